/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

package ddb

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/aws/aws-lambda-go/events"

	"github.com/suparena/entitydao"
	"github.com/suparena/entitydao/key"
)

// RecordHandler processes one DynamoDB stream record.
type RecordHandler interface {
	HandleRecord(ctx context.Context, record events.DynamoDBEventRecord) error
}

// ChangeHandler keeps the identity map of a DAO in line with writes made by
// other processes, as reported by the table's stream. Loaded objects are
// refreshed when a newer version arrives and detached when the item is removed.
// Objects with pending changes are left alone; their next update fails as stale.
type ChangeHandler[K key.Key] struct {
	dao    *entitydao.DAO[K]
	logger *slog.Logger
}

// NewChangeHandler creates a handler for dao.
func NewChangeHandler[K key.Key](dao *entitydao.DAO[K], logger *slog.Logger) *ChangeHandler[K] {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChangeHandler[K]{dao: dao, logger: logger}
}

// HandleRecord implements RecordHandler.
func (h *ChangeHandler[K]) HandleRecord(ctx context.Context, record events.DynamoDBEventRecord) error {
	image := record.Change.NewImage
	if record.EventName == string(events.DynamoDBOperationTypeRemove) {
		image = record.Change.OldImage
	}
	if getStringAttr(image, attrEntityType) != h.dao.EntityType() {
		return nil
	}

	k, err := keyAttr[K](image)
	if err != nil {
		return fmt.Errorf("stream record %s: %w", record.EventID, err)
	}

	switch events.DynamoDBOperationType(record.EventName) {
	case events.DynamoDBOperationTypeRemove:
		if h.dao.Detach(ctx, k) {
			h.logger.Info("detached entity removed by another writer",
				"entityType", h.dao.EntityType(),
				"key", key.Format(k),
			)
		}
		return nil

	case events.DynamoDBOperationTypeInsert, events.DynamoDBOperationTypeModify:
		obj, ok := h.dao.Lookup(k)
		if !ok {
			return nil
		}
		version := getNumberAttr(image, attrVersion)
		if version <= obj.Version() {
			return nil
		}
		if obj.IsDirty() {
			h.logger.Warn("skipping refresh of entity with pending changes",
				"entityType", h.dao.EntityType(),
				"key", key.Format(k),
				"loadedVersion", obj.Version(),
				"storedVersion", version,
			)
			return nil
		}
		if err := h.dao.Refresh(ctx, obj); err != nil {
			return fmt.Errorf("refresh %s %s: %w", h.dao.EntityType(), key.Format(k), err)
		}
		return nil
	}
	return nil
}

// Router dispatches stream records to the handler of their entity type.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]RecordHandler
	logger   *slog.Logger
}

// NewRouter creates an empty router.
func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{handlers: make(map[string]RecordHandler), logger: logger}
}

// Handle registers h for entityType, replacing any previous handler.
func (r *Router) Handle(entityType string, h RecordHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[entityType] = h
}

// HandleEvent processes a batch of stream records. It is designed to be used
// as an AWS Lambda handler with partial batch responses: failed records are
// reported by sequence number so only they are retried.
func (r *Router) HandleEvent(ctx context.Context, event events.DynamoDBEvent) (events.DynamoDBEventResponse, error) {
	var resp events.DynamoDBEventResponse
	for _, record := range event.Records {
		image := record.Change.NewImage
		if len(image) == 0 {
			image = record.Change.OldImage
		}
		entityType := getStringAttr(image, attrEntityType)

		r.mu.RLock()
		h, ok := r.handlers[entityType]
		r.mu.RUnlock()
		if !ok {
			continue
		}

		if err := h.HandleRecord(ctx, record); err != nil {
			r.logger.Error("failed to process record",
				"eventID", record.EventID,
				"entityType", entityType,
				"error", err,
			)
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.DynamoDBBatchItemFailure{
				ItemIdentifier: record.Change.SequenceNumber,
			})
		}
	}
	return resp, nil
}

// keyAttr extracts the entity key from a stream image.
func keyAttr[K key.Key](image map[string]events.DynamoDBAttributeValue) (K, error) {
	var zero K
	v, ok := image[attrKey]
	if !ok {
		return zero, fmt.Errorf("image has no %s attribute", attrKey)
	}
	switch v.DataType() {
	case events.DataTypeString:
		return key.Parse[K](v.String())
	case events.DataTypeNumber:
		return key.Parse[K](v.Number())
	}
	return zero, fmt.Errorf("unsupported %s attribute type %v", attrKey, v.DataType())
}

// getStringAttr extracts a string attribute from a DynamoDB stream image.
func getStringAttr(image map[string]events.DynamoDBAttributeValue, name string) string {
	if v, ok := image[name]; ok && v.DataType() == events.DataTypeString {
		return v.String()
	}
	return ""
}

// getNumberAttr extracts a number attribute from a DynamoDB stream image.
func getNumberAttr(image map[string]events.DynamoDBAttributeValue, name string) int64 {
	if v, ok := image[name]; ok && v.DataType() == events.DataTypeNumber {
		n, _ := strconv.ParseInt(v.Number(), 10, 64)
		return n
	}
	return 0
}

var _ RecordHandler = (*ChangeHandler[string])(nil)
