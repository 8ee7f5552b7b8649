/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

package ddb

import (
	"slices"

	"github.com/suparena/entitydao/registry"
	"github.com/suparena/entitydao/storagemodels"
)

// GSIConfig holds the configuration for GSI key mappings
type GSIConfig struct {
	// IndexName is the actual GSI name in DynamoDB (e.g., "GSI1")
	IndexName string `yaml:"indexName"`
	// PartitionKeyName is the partition key attribute of the GSI (e.g., "GSI1PK")
	PartitionKeyName string `yaml:"partitionKey"`
	// SortKeyName is the sort key attribute of the GSI (e.g., "GSI1SK")
	SortKeyName string `yaml:"sortKey"`
}

// DefaultGSIConfigs holds the default GSI configurations
var DefaultGSIConfigs = []GSIConfig{
	{
		IndexName:        "GSI1",
		PartitionKeyName: "GSI1PK",
		SortKeyName:      "GSI1SK",
	},
}

// indexPlan is a GSI query that serves a criteria's Where clause.
type indexPlan struct {
	config    GSIConfig
	partition string
}

// planIndex picks the first index whose partition template is fully determined
// by the equality fields of crit. Templates using {key} never qualify.
func planIndex(indexes []GSIConfig, indexMap map[string]string, crit storagemodels.Criteria) (indexPlan, bool) {
	if len(crit.Where) == 0 {
		return indexPlan{}, false
	}
	for _, cfg := range indexes {
		tmpl, ok := indexMap[cfg.PartitionKeyName]
		if !ok {
			continue
		}
		macros := registry.Macros(tmpl)
		if len(macros) == 0 || slices.Contains(macros, "key") {
			continue
		}
		covered := true
		for _, m := range macros {
			if v, ok := crit.Where[m]; !ok || !pushable(v) {
				covered = false
				break
			}
		}
		if !covered {
			continue
		}
		pk, err := registry.Expand(tmpl, "", crit.Where)
		if err != nil {
			continue
		}
		return indexPlan{config: cfg, partition: pk}, true
	}
	return indexPlan{}, false
}
