/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

package ddb

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	sdk "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/go-openapi/strfmt"

	"github.com/suparena/entitydao/datastore"
	"github.com/suparena/entitydao/entity"
	"github.com/suparena/entitydao/errors"
	"github.com/suparena/entitydao/key"
)

// writeCondition guards Update, Delete and Lock: the item exists, carries the
// expected version and is unlocked or locked by the caller.
const writeCondition = "attribute_exists(#pk) AND #version = :expected AND " +
	"(attribute_not_exists(#lockOwner) OR #lockOwner = :owner)"

// StoreConfig configures a Store.
type StoreConfig struct {
	Client     Client
	Table      string
	EntityType string
	// IndexMap holds the key templates, see registry.Schema.
	IndexMap map[string]string
	Indexes  []GSIConfig
	Logger   *slog.Logger
}

// Store implements datastore.Store[K] for one entity type of a single table.
type Store[K key.Key] struct {
	client     Client
	table      string
	entityType string
	keys       keyTemplates
	indexMap   map[string]string
	indexes    []GSIConfig
	logger     *slog.Logger
	now        func() time.Time
}

// NewStore validates cfg and returns the store.
func NewStore[K key.Key](cfg StoreConfig) (*Store[K], error) {
	if cfg.Client == nil {
		return nil, errors.NewValidationError("client", "DynamoDB client is required")
	}
	if cfg.Table == "" {
		return nil, errors.NewValidationError("table", "DynamoDB table name is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	keys, err := newKeyTemplates(cfg.EntityType, cfg.IndexMap)
	if err != nil {
		return nil, errors.NewValidationError("indexMap", err.Error())
	}
	return &Store[K]{
		client:     cfg.Client,
		table:      cfg.Table,
		entityType: cfg.EntityType,
		keys:       keys,
		indexMap:   cfg.IndexMap,
		indexes:    cfg.Indexes,
		logger:     cfg.Logger,
		now:        time.Now,
	}, nil
}

// EntityType implements datastore.Store.
func (s *Store[K]) EntityType() string {
	return s.entityType
}

// Load implements datastore.Store with a strongly consistent read.
func (s *Store[K]) Load(ctx context.Context, k K) (*entity.Record[K], error) {
	formatted := key.Format(k)
	out, err := s.client.GetItem(ctx, &sdk.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            s.keys.primaryKey(formatted),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, s.backendError("load", err)
	}
	if len(out.Item) == 0 {
		return nil, errors.NewNotFoundError(s.entityType, formatted)
	}

	rec, entityType, err := decodeItem[K](out.Item)
	if err != nil {
		return nil, s.backendError("load", err)
	}
	if entityType != s.entityType {
		return nil, errors.NewNotFoundError(s.entityType, formatted)
	}
	return rec, nil
}

// Insert implements datastore.Store.
func (s *Store[K]) Insert(ctx context.Context, rec *entity.Record[K]) (*entity.Record[K], error) {
	formatted := key.Format(rec.Key)
	item, err := encodeItem(s.keys, s.entityType, rec, s.now())
	if err != nil {
		return nil, errors.NewValidationError("fields", err.Error())
	}

	_, err = s.client.PutItem(ctx, &sdk.PutItemInput{
		TableName:                aws.String(s.table),
		Item:                     item,
		ConditionExpression:      aws.String("attribute_not_exists(#pk)"),
		ExpressionAttributeNames: map[string]string{"#pk": attrPK},
	})
	if err != nil {
		var cfe *types.ConditionalCheckFailedException
		if stderrors.As(err, &cfe) {
			return nil, errors.NewDuplicateKeyError(s.entityType, formatted)
		}
		return nil, s.backendError("insert", err)
	}

	stored, _, err := decodeItem[K](item)
	if err != nil {
		return nil, s.backendError("insert", err)
	}
	return stored, nil
}

// Update implements datastore.Store. Fields are replaced as a whole, the
// version is incremented server side and index attributes follow the fields.
func (s *Store[K]) Update(ctx context.Context, rec *entity.Record[K], expected int64, owner string) (*entity.Record[K], error) {
	formatted := key.Format(rec.Key)
	fields := rec.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	fieldsAV, err := attributevalue.Marshal(fields)
	if err != nil {
		return nil, errors.NewValidationError("fields", fmt.Sprintf("failed to marshal fields: %v", err))
	}

	names, values := writeConditionArgs(expected, owner)
	names["#fields"] = attrFields
	names["#updatedAt"] = attrUpdatedAt
	values[":fields"] = fieldsAV
	values[":updatedAt"] = &types.AttributeValueMemberS{Value: strfmt.DateTime(s.now().UTC()).String()}
	values[":one"] = &types.AttributeValueMemberN{Value: "1"}

	setClauses := []string{"#fields = :fields", "#updatedAt = :updatedAt", "#version = #version + :one"}
	var removeClauses []string

	present, absent := s.keys.secondaryKeys(formatted, fields)
	i := 0
	for _, attr := range sortedKeys(present) {
		nameKey, valueKey := fmt.Sprintf("#idx%d", i), fmt.Sprintf(":idx%d", i)
		names[nameKey] = attr
		values[valueKey] = &types.AttributeValueMemberS{Value: present[attr]}
		setClauses = append(setClauses, nameKey+" = "+valueKey)
		i++
	}
	slices.Sort(absent)
	for _, attr := range absent {
		nameKey := fmt.Sprintf("#idx%d", i)
		names[nameKey] = attr
		removeClauses = append(removeClauses, nameKey)
		i++
	}

	updateExpr := "SET " + strings.Join(setClauses, ", ")
	if len(removeClauses) > 0 {
		updateExpr += " REMOVE " + strings.Join(removeClauses, ", ")
	}

	out, err := s.client.UpdateItem(ctx, &sdk.UpdateItemInput{
		TableName:                           aws.String(s.table),
		Key:                                 s.keys.primaryKey(formatted),
		UpdateExpression:                    aws.String(updateExpr),
		ConditionExpression:                 aws.String(writeCondition),
		ExpressionAttributeNames:            names,
		ExpressionAttributeValues:           values,
		ReturnValues:                        types.ReturnValueAllNew,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		return nil, s.classify("update", formatted, expected, err)
	}

	stored, _, err := decodeItem[K](out.Attributes)
	if err != nil {
		return nil, s.backendError("update", err)
	}
	return stored, nil
}

// Delete implements datastore.Store.
func (s *Store[K]) Delete(ctx context.Context, k K, expected int64, owner string) error {
	formatted := key.Format(k)
	names, values := writeConditionArgs(expected, owner)

	_, err := s.client.DeleteItem(ctx, &sdk.DeleteItemInput{
		TableName:                           aws.String(s.table),
		Key:                                 s.keys.primaryKey(formatted),
		ConditionExpression:                 aws.String(writeCondition),
		ExpressionAttributeNames:            names,
		ExpressionAttributeValues:           values,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		return s.classify("delete", formatted, expected, err)
	}
	return nil
}

// Lock implements datastore.Store.
func (s *Store[K]) Lock(ctx context.Context, k K, expected int64, owner string) error {
	formatted := key.Format(k)
	names, values := writeConditionArgs(expected, owner)

	_, err := s.client.UpdateItem(ctx, &sdk.UpdateItemInput{
		TableName:                           aws.String(s.table),
		Key:                                 s.keys.primaryKey(formatted),
		UpdateExpression:                    aws.String("SET #lockOwner = :owner"),
		ConditionExpression:                 aws.String(writeCondition),
		ExpressionAttributeNames:            names,
		ExpressionAttributeValues:           values,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		return s.classify("lock", formatted, expected, err)
	}
	return nil
}

// Unlock implements datastore.Store. Unlocking an entity held by another
// session, or not locked at all, is a no-op.
func (s *Store[K]) Unlock(ctx context.Context, k K, owner string) error {
	_, err := s.client.UpdateItem(ctx, &sdk.UpdateItemInput{
		TableName:                aws.String(s.table),
		Key:                      s.keys.primaryKey(key.Format(k)),
		UpdateExpression:         aws.String("REMOVE #lockOwner"),
		ConditionExpression:      aws.String("#lockOwner = :owner"),
		ExpressionAttributeNames: map[string]string{"#lockOwner": attrLockOwner},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":owner": &types.AttributeValueMemberS{Value: owner},
		},
	})
	if err != nil {
		var cfe *types.ConditionalCheckFailedException
		if stderrors.As(err, &cfe) {
			return nil
		}
		return s.backendError("unlock", err)
	}
	return nil
}

func writeConditionArgs(expected int64, owner string) (map[string]string, map[string]types.AttributeValue) {
	names := map[string]string{
		"#pk":        attrPK,
		"#version":   attrVersion,
		"#lockOwner": attrLockOwner,
	}
	values := map[string]types.AttributeValue{
		":expected": &types.AttributeValueMemberN{Value: strconv.FormatInt(expected, 10)},
		":owner":    &types.AttributeValueMemberS{Value: owner},
	}
	return names, values
}

// classify maps a failed conditional write onto the semantic errors using the
// old image DynamoDB returns with the failure.
func (s *Store[K]) classify(op, formatted string, expected int64, err error) error {
	var cfe *types.ConditionalCheckFailedException
	if !stderrors.As(err, &cfe) {
		return s.backendError(op, err)
	}
	if len(cfe.Item) == 0 {
		return errors.NewNotFoundError(s.entityType, formatted)
	}
	version, owner := itemState(cfe.Item)
	if version != expected {
		return errors.NewStaleEntityError(s.entityType, formatted, expected, version)
	}
	return errors.NewLockedError(s.entityType, formatted, owner)
}

func (s *Store[K]) backendError(op string, err error) error {
	return errors.NewBackendError(backendName, op, isRetryableError(err), err)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

var _ datastore.Store[string] = (*Store[string])(nil)
