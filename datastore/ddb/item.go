/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

package ddb

import (
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/go-openapi/strfmt"

	"github.com/suparena/entitydao/entity"
	"github.com/suparena/entitydao/key"
	"github.com/suparena/entitydao/registry"
)

// Attribute names of the single table layout.
const (
	attrPK         = "PK"
	attrSK         = "SK"
	attrEntityType = "EntityType"
	attrKey        = "Key"
	attrVersion    = "Version"
	attrLockOwner  = "LockOwner"
	attrFields     = "Fields"
	attrCreatedAt  = "CreatedAt"
	attrUpdatedAt  = "UpdatedAt"
)

// itemRecord is the stored form of one entity.
type itemRecord[K key.Key] struct {
	PK         string         `dynamodbav:"PK"`
	SK         string         `dynamodbav:"SK"`
	EntityType string         `dynamodbav:"EntityType"`
	Key        K              `dynamodbav:"Key"`
	Version    int64          `dynamodbav:"Version"`
	LockOwner  string         `dynamodbav:"LockOwner,omitempty"`
	Fields     map[string]any `dynamodbav:"Fields"`
	CreatedAt  string         `dynamodbav:"CreatedAt"`
	UpdatedAt  string         `dynamodbav:"UpdatedAt"`
}

// keyTemplates holds the expanded key attributes of one entity type.
type keyTemplates struct {
	pk, sk string
	// secondary maps index attributes (e.g. GSI1PK) to their templates.
	secondary map[string]string
}

func newKeyTemplates(entityType string, indexMap map[string]string) (keyTemplates, error) {
	t := keyTemplates{secondary: make(map[string]string)}
	for attr, tmpl := range indexMap {
		switch attr {
		case attrPK, attrSK:
			for _, m := range registry.Macros(tmpl) {
				if m != "key" {
					return t, fmt.Errorf("%s template of %s may only use {key}, found {%s}", attr, entityType, m)
				}
			}
			if attr == attrPK {
				t.pk = tmpl
			} else {
				t.sk = tmpl
			}
		default:
			t.secondary[attr] = tmpl
		}
	}
	if t.pk == "" {
		return t, fmt.Errorf("index map of %s has no %s template", entityType, attrPK)
	}
	if t.sk == "" {
		t.sk = t.pk
	}
	return t, nil
}

// primaryKey returns the table key of k.
func (t keyTemplates) primaryKey(formatted string) map[string]types.AttributeValue {
	pk, _ := registry.Expand(t.pk, formatted, nil)
	sk, _ := registry.Expand(t.sk, formatted, nil)
	return map[string]types.AttributeValue{
		attrPK: &types.AttributeValueMemberS{Value: pk},
		attrSK: &types.AttributeValueMemberS{Value: sk},
	}
}

// secondaryKeys expands the index attributes from fields. Attributes whose
// fields are missing are reported in absent so sparse indexes stay sparse.
func (t keyTemplates) secondaryKeys(formatted string, fields map[string]any) (present map[string]string, absent []string) {
	present = make(map[string]string, len(t.secondary))
	for attr, tmpl := range t.secondary {
		v, err := registry.Expand(tmpl, formatted, fields)
		if err != nil {
			absent = append(absent, attr)
			continue
		}
		present[attr] = v
	}
	return present, absent
}

// encodeItem builds the full item for a first insert.
func encodeItem[K key.Key](t keyTemplates, entityType string, rec *entity.Record[K], now time.Time) (map[string]types.AttributeValue, error) {
	formatted := key.Format(rec.Key)
	ts := strfmt.DateTime(now.UTC()).String()
	fields := rec.Fields
	if fields == nil {
		fields = map[string]any{}
	}

	ir := itemRecord[K]{
		EntityType: entityType,
		Key:        rec.Key,
		Version:    1,
		Fields:     fields,
		CreatedAt:  ts,
		UpdatedAt:  ts,
	}
	item, err := attributevalue.MarshalMap(ir)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s %s: %w", entityType, formatted, err)
	}
	for attr, v := range t.primaryKey(formatted) {
		item[attr] = v
	}
	present, _ := t.secondaryKeys(formatted, fields)
	for attr, v := range present {
		item[attr] = &types.AttributeValueMemberS{Value: v}
	}
	return item, nil
}

// decodeItem converts a stored item into a persistent record.
func decodeItem[K key.Key](item map[string]types.AttributeValue) (*entity.Record[K], string, error) {
	var ir itemRecord[K]
	if err := attributevalue.UnmarshalMap(item, &ir); err != nil {
		return nil, "", fmt.Errorf("failed to unmarshal item: %w", err)
	}

	rec := &entity.Record[K]{
		Key:     ir.Key,
		Version: ir.Version,
		State:   entity.Persistent,
		Lock:    entity.Unlocked,
		Fields:  ir.Fields,
	}
	if rec.Fields == nil {
		rec.Fields = make(map[string]any)
	}
	if ir.LockOwner != "" {
		rec.Lock = entity.Locked
	}
	if ts, err := strfmt.ParseDateTime(ir.CreatedAt); err == nil {
		rec.CreatedAt = ts
	}
	if ts, err := strfmt.ParseDateTime(ir.UpdatedAt); err == nil {
		rec.UpdatedAt = ts
	}
	return rec, ir.EntityType, nil
}

// itemState reads the version and lock owner of an old image returned by a
// failed condition check.
func itemState(item map[string]types.AttributeValue) (version int64, owner string) {
	if v, ok := item[attrVersion]; ok {
		_ = attributevalue.Unmarshal(v, &version)
	}
	if v, ok := item[attrLockOwner]; ok {
		_ = attributevalue.Unmarshal(v, &owner)
	}
	return version, owner
}
