/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

/*
Package processor derives entity schemas from an OpenAPI document.

Object schemas opt in with vendor extensions:

	Company:
	  type: object
	  x-entitydao-key: int64
	  x-entitydao-noncopyable: [createdBy]
	  x-dynamodb-indexmap:
	    PK: "COMPANY#{key}"
	    SK: "COMPANY#{key}"
	    GSI1PK: "CITY#{city}"
	    GSI1SK: "COMPANY#{key}"
	  properties:
	    city:
	      type: string

Every {macro} other than {key} must name a property. The result renders as
the entities section of a config file:

	entities:
	  - name: Company
	    key: int64
	    ...
*/
package processor

import (
	"fmt"
	"io"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/suparena/entitydao/errors"
	"github.com/suparena/entitydao/key"
	"github.com/suparena/entitydao/registry"
)

// Document is the part of an OpenAPI document read by Extract.
type Document struct {
	OpenAPI    string `yaml:"openapi"`
	Components struct {
		Schemas map[string]SchemaObject `yaml:"schemas"`
	} `yaml:"components"`
}

// SchemaObject is an OpenAPI schema with the entitydao extensions.
type SchemaObject struct {
	Type        string            `yaml:"type"`
	Properties  map[string]any    `yaml:"properties"`
	IndexMap    map[string]string `yaml:"x-dynamodb-indexmap"`
	Key         string            `yaml:"x-entitydao-key"`
	NaturalKey  bool              `yaml:"x-entitydao-natural-key"`
	NonCopyable []string          `yaml:"x-entitydao-noncopyable"`
}

func (s SchemaObject) isEntity() bool {
	return len(s.IndexMap) > 0 || s.Key != ""
}

// Extract returns the entity schemas of an OpenAPI document (YAML or JSON)
// ordered by name.
func Extract(data []byte) ([]registry.Schema, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse openapi document: %w", err)
	}

	names := make([]string, 0, len(doc.Components.Schemas))
	for name, s := range doc.Components.Schemas {
		if s.isEntity() {
			names = append(names, name)
		}
	}
	slices.Sort(names)

	reg := registry.New()
	schemas := make([]registry.Schema, 0, len(names))
	for _, name := range names {
		s, err := toSchema(name, doc.Components.Schemas[name])
		if err != nil {
			return nil, err
		}
		if err := reg.Register(s); err != nil {
			return nil, err
		}
		schemas = append(schemas, s)
	}
	return schemas, nil
}

func toSchema(name string, obj SchemaObject) (registry.Schema, error) {
	kind := key.KindString
	if obj.Key != "" {
		k, err := key.ParseKind(obj.Key)
		if err != nil {
			return registry.Schema{}, errors.NewValidationError("x-entitydao-key", fmt.Sprintf("%s: %v", name, err))
		}
		kind = k
	}

	for attr, tmpl := range obj.IndexMap {
		for _, macro := range registry.Macros(tmpl) {
			if macro == "key" {
				continue
			}
			if _, ok := obj.Properties[macro]; !ok {
				return registry.Schema{}, errors.NewValidationError("x-dynamodb-indexmap",
					fmt.Sprintf("%s.%s: {%s} is not a property", name, attr, macro))
			}
		}
	}

	return registry.Schema{
		Name:        name,
		Key:         kind,
		NaturalKey:  obj.NaturalKey,
		NonCopyable: obj.NonCopyable,
		IndexMap:    obj.IndexMap,
	}, nil
}

// Render writes schemas as the entities section of a config file.
func Render(w io.Writer, schemas []registry.Schema) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(struct {
		Entities []registry.Schema `yaml:"entities"`
	}{schemas}); err != nil {
		return fmt.Errorf("render schemas: %w", err)
	}
	return enc.Close()
}
