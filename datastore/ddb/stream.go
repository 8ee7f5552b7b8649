/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

package ddb

import (
	"context"
	stderrors "errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	sdk "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/suparena/entitydao/entity"
	"github.com/suparena/entitydao/key"
	"github.com/suparena/entitydao/storagemodels"
)

// page is one response of a paged Scan or Query.
type page struct {
	items   []map[string]types.AttributeValue
	lastKey map[string]types.AttributeValue
}

type pageFunc func(ctx context.Context, startKey map[string]types.AttributeValue) (page, error)

// Query implements datastore.QueryExecutor. Equality fields are evaluated by
// DynamoDB, on a secondary index when one covers them and by a filtered Scan
// otherwise. Spec runs in process. Results are in DynamoDB order.
func (s *Store[K]) Query(ctx context.Context, crit storagemodels.Criteria, opts ...storagemodels.StreamOption) <-chan storagemodels.StreamResult[*entity.Record[K]] {
	options := storagemodels.ApplyStreamOptions(opts...)
	resultCh := make(chan storagemodels.StreamResult[*entity.Record[K]], options.BufferSize)

	go s.streamWorker(ctx, s.pager(crit, options.PageSize), crit, options, resultCh)

	return resultCh
}

// pager builds the page source for crit.
func (s *Store[K]) pager(crit storagemodels.Criteria, pageSize int32) pageFunc {
	filter := buildFilter(s.entityType, crit.Where)

	if plan, ok := planIndex(s.indexes, s.indexMap, crit); ok {
		filter.names["#gpk"] = plan.config.PartitionKeyName
		filter.values[":gpk"] = &types.AttributeValueMemberS{Value: plan.partition}
		s.logger.Debug("query uses secondary index",
			"entityType", s.entityType,
			"index", plan.config.IndexName,
			"partition", plan.partition,
		)
		return func(ctx context.Context, startKey map[string]types.AttributeValue) (page, error) {
			out, err := s.client.Query(ctx, &sdk.QueryInput{
				TableName:                 aws.String(s.table),
				IndexName:                 aws.String(plan.config.IndexName),
				KeyConditionExpression:    aws.String("#gpk = :gpk"),
				FilterExpression:          aws.String(filter.expr),
				ExpressionAttributeNames:  filter.names,
				ExpressionAttributeValues: filter.values,
				ExclusiveStartKey:         startKey,
				Limit:                     aws.Int32(pageSize),
			})
			if err != nil {
				return page{}, err
			}
			return page{items: out.Items, lastKey: out.LastEvaluatedKey}, nil
		}
	}

	return func(ctx context.Context, startKey map[string]types.AttributeValue) (page, error) {
		out, err := s.client.Scan(ctx, &sdk.ScanInput{
			TableName:                 aws.String(s.table),
			FilterExpression:          aws.String(filter.expr),
			ExpressionAttributeNames:  filter.names,
			ExpressionAttributeValues: filter.values,
			ExclusiveStartKey:         startKey,
			Limit:                     aws.Int32(pageSize),
		})
		if err != nil {
			return page{}, err
		}
		return page{items: out.Items, lastKey: out.LastEvaluatedKey}, nil
	}
}

// streamWorker handles the actual streaming logic
func (s *Store[K]) streamWorker(
	ctx context.Context,
	fetch pageFunc,
	crit storagemodels.Criteria,
	options storagemodels.StreamOptions,
	resultCh chan<- storagemodels.StreamResult[*entity.Record[K]],
) {
	defer close(resultCh)

	progress := storagemodels.NewProgressTracker(options.ProgressHandler)
	meta := func() storagemodels.StreamMeta {
		return storagemodels.StreamMeta{
			Index:      progress.Items(),
			PageNumber: progress.Pages(),
			Timestamp:  time.Now(),
		}
	}

	send := func(result storagemodels.StreamResult[*entity.Record[K]]) bool {
		select {
		case <-ctx.Done():
			return false
		case resultCh <- result:
			return true
		}
	}

	var lastEvaluatedKey map[string]types.AttributeValue
	for {
		if ctx.Err() != nil {
			return
		}

		out, err := withRetry(ctx, options, func(ctx context.Context) (page, error) {
			return fetch(ctx, lastEvaluatedKey)
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			err = s.backendError("query", err)
			if options.ErrorHandler == nil || !options.ErrorHandler(err) {
				send(storagemodels.StreamResult[*entity.Record[K]]{
					Error: fmt.Errorf("query %s: %w", s.entityType, err),
					Meta:  meta(),
				})
				return
			}
			progress.Fail(err)
			continue
		}

		progress.Page()

		for _, item := range out.items {
			if crit.Limit > 0 && progress.Items() >= int64(crit.Limit) {
				progress.Report()
				return
			}

			rec, entityType, err := decodeItem[K](item)
			if err != nil {
				progress.Fail(err)
				if !send(storagemodels.StreamResult[*entity.Record[K]]{Error: err, Meta: meta()}) {
					return
				}
				continue
			}
			if entityType != s.entityType || !crit.Match(rec.Fields) {
				continue
			}

			if !send(storagemodels.StreamResult[*entity.Record[K]]{Item: rec, Meta: meta()}) {
				return
			}
			progress.Item()
		}

		progress.Report()

		if len(out.lastKey) == 0 {
			break
		}
		lastEvaluatedKey = out.lastKey
	}
}

// MaxKey implements key.Probe with a projected Scan over every item of the type.
func (s *Store[K]) MaxKey(ctx context.Context) (K, bool, error) {
	var highest K
	found := false
	filter := buildFilter(s.entityType, nil)
	filter.names["#key"] = attrKey
	options := storagemodels.DefaultStreamOptions()

	var startKey map[string]types.AttributeValue
	for {
		out, err := withRetry(ctx, options, func(ctx context.Context) (*sdk.ScanOutput, error) {
			return s.client.Scan(ctx, &sdk.ScanInput{
				TableName:                 aws.String(s.table),
				FilterExpression:          aws.String(filter.expr),
				ProjectionExpression:      aws.String("#key"),
				ExpressionAttributeNames:  filter.names,
				ExpressionAttributeValues: filter.values,
				ExclusiveStartKey:         startKey,
			})
		})
		if err != nil {
			return highest, false, s.backendError("max key", err)
		}
		for _, item := range out.Items {
			var k K
			if err := attributevalue.Unmarshal(item[attrKey], &k); err != nil {
				return highest, false, s.backendError("max key", err)
			}
			if !found || k > highest {
				highest = k
				found = true
			}
		}
		if len(out.LastEvaluatedKey) == 0 {
			return highest, found, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

// withRetry runs call with configurable retry logic for throttling and
// transient server errors.
func withRetry[T any](ctx context.Context, options storagemodels.StreamOptions, call func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= options.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		out, err := call(ctx)
		if err == nil {
			return out, nil
		}
		lastErr = err

		if !isRetryableError(err) {
			return zero, err
		}

		// Don't sleep after last attempt
		if attempt < options.MaxRetries {
			backoff := time.Duration(attempt+1) * options.RetryBackoff
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}
	}

	return zero, fmt.Errorf("failed after %d retries: %w", options.MaxRetries, lastErr)
}

// isRetryableError determines if a DynamoDB error is retryable
func isRetryableError(err error) bool {
	var throughput *types.ProvisionedThroughputExceededException
	var limit *types.RequestLimitExceeded
	var internal *types.InternalServerError
	if stderrors.As(err, &throughput) || stderrors.As(err, &limit) || stderrors.As(err, &internal) {
		return true
	}

	// Check for AWS SDK retryable errors
	var retryable interface{ RetryableError() bool }
	if stderrors.As(err, &retryable) {
		return retryable.RetryableError()
	}
	return false
}

// filterExpr is a filter expression with its attribute names and values.
type filterExpr struct {
	expr   string
	names  map[string]string
	values map[string]types.AttributeValue
}

// buildFilter restricts items to entityType and pushes the scalar equality
// fields of where down to DynamoDB. Other fields are left to the in-process
// match.
func buildFilter(entityType string, where map[string]any) filterExpr {
	f := filterExpr{
		expr:  "#entityType = :entityType",
		names: map[string]string{"#entityType": attrEntityType},
		values: map[string]types.AttributeValue{
			":entityType": &types.AttributeValueMemberS{Value: entityType},
		},
	}

	fieldNames := make([]string, 0, len(where))
	for name, v := range where {
		if pushable(v) {
			fieldNames = append(fieldNames, name)
		}
	}
	slices.Sort(fieldNames)

	clauses := []string{f.expr}
	for i, name := range fieldNames {
		av, err := attributevalue.Marshal(where[name])
		if err != nil {
			continue
		}
		nameKey, valueKey := fmt.Sprintf("#w%d", i), fmt.Sprintf(":w%d", i)
		f.names["#fields"] = attrFields
		f.names[nameKey] = name
		f.values[valueKey] = av
		clauses = append(clauses, fmt.Sprintf("#fields.%s = %s", nameKey, valueKey))
	}
	f.expr = strings.Join(clauses, " AND ")
	return f
}

// pushable reports whether DynamoDB equality matches v the way the in-process
// match does.
func pushable(v any) bool {
	switch v.(type) {
	case string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	}
	return false
}

var _ key.Probe[int64] = (*Store[int64])(nil)
