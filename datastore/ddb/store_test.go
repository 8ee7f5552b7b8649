/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

package ddb

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suparena/entitydao/entity"
	"github.com/suparena/entitydao/errors"
	"github.com/suparena/entitydao/storagemodels"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

var companyIndexMap = map[string]string{
	"PK":     "COMPANY#{key}",
	"SK":     "COMPANY#{key}",
	"GSI1PK": "CITY#{city}",
	"GSI1SK": "COMPANY#{key}",
}

func newCompanyStore(t *testing.T, client *fakeClient) *Store[int64] {
	t.Helper()
	s, err := NewStore[int64](StoreConfig{
		Client:     client,
		Table:      "entities",
		EntityType: "Company",
		IndexMap:   companyIndexMap,
		Indexes:    DefaultGSIConfigs,
		Logger:     quiet,
	})
	require.NoError(t, err)
	return s
}

func insert(t *testing.T, s *Store[int64], k int64, fields map[string]any) *entity.Record[int64] {
	t.Helper()
	rec, err := s.Insert(context.Background(), &entity.Record[int64]{Key: k, Fields: fields})
	require.NoError(t, err)
	return rec
}

func collect[T any](t *testing.T, ch <-chan storagemodels.StreamResult[T]) ([]T, []error) {
	t.Helper()
	var items []T
	var errs []error
	timeout := time.After(5 * time.Second)
	for {
		select {
		case r, ok := <-ch:
			if !ok {
				return items, errs
			}
			if r.Error != nil {
				errs = append(errs, r.Error)
				continue
			}
			items = append(items, r.Item)
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}
}

func TestNewStoreValidatesTemplates(t *testing.T) {
	_, err := NewStore[int64](StoreConfig{
		Client:     newFakeClient(),
		Table:      "entities",
		EntityType: "Company",
		IndexMap:   map[string]string{"PK": "COMPANY#{city}"},
	})
	assert.True(t, errors.IsValidationError(err))

	_, err = NewStore[int64](StoreConfig{Client: newFakeClient(), EntityType: "Company", IndexMap: companyIndexMap})
	assert.True(t, errors.IsValidationError(err), "table is required")

	s, err := NewStore[string](StoreConfig{
		Client:     newFakeClient(),
		Table:      "entities",
		EntityType: "Tag",
		IndexMap:   map[string]string{"PK": "TAG#{key}"},
	})
	require.NoError(t, err)
	assert.Equal(t, s.keys.pk, s.keys.sk, "SK defaults to the PK template")
}

func TestStoreInsertAndLoad(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	s := newCompanyStore(t, client)

	rec := insert(t, s, 7, map[string]any{"name": "Acme", "employees": 12, "city": "Berlin"})
	assert.Equal(t, int64(1), rec.Version)
	assert.Equal(t, entity.Persistent, rec.State)
	assert.False(t, time.Time(rec.CreatedAt).IsZero())

	stored := client.items["COMPANY#7|COMPANY#7"]
	require.NotNil(t, stored)
	assert.Equal(t, "CITY#Berlin", str(stored["GSI1PK"]))
	assert.Equal(t, "COMPANY#7", str(stored["GSI1SK"]))
	assert.Equal(t, "Company", str(stored[attrEntityType]))

	loaded, err := s.Load(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), loaded.Key)
	assert.Equal(t, "Acme", loaded.Fields["name"])
	assert.EqualValues(t, 12, loaded.Fields["employees"])
	assert.Equal(t, entity.Unlocked, loaded.Lock)

	_, err = s.Insert(ctx, &entity.Record[int64]{Key: 7, Fields: map[string]any{"name": "Other"}})
	assert.True(t, errors.IsDuplicateKey(err))

	_, err = s.Load(ctx, 8)
	assert.True(t, errors.IsNotFound(err))
}

func TestStoreSparseIndex(t *testing.T) {
	client := newFakeClient()
	s := newCompanyStore(t, client)

	insert(t, s, 1, map[string]any{"name": "Nowhere Inc"})
	_, ok := client.items["COMPANY#1|COMPANY#1"]["GSI1PK"]
	assert.False(t, ok, "entities without the index field stay out of the index")
}

func TestStoreLoadIgnoresOtherEntityTypes(t *testing.T) {
	client := newFakeClient()
	s := newCompanyStore(t, client)
	insert(t, s, 3, map[string]any{"name": "Acme"})
	client.items["COMPANY#3|COMPANY#3"][attrEntityType] = &types.AttributeValueMemberS{Value: "Person"}

	_, err := s.Load(context.Background(), 3)
	assert.True(t, errors.IsNotFound(err))
}

func TestStoreUpdate(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	s := newCompanyStore(t, client)
	insert(t, s, 1, map[string]any{"name": "Acme", "city": "Berlin"})

	updated, err := s.Update(ctx, &entity.Record[int64]{Key: 1, Fields: map[string]any{"name": "Acme GmbH"}}, 1, "session-a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
	assert.Equal(t, "Acme GmbH", updated.Fields["name"])
	_, hasCity := updated.Fields["city"]
	assert.False(t, hasCity, "fields are replaced as a whole")

	_, indexed := client.items["COMPANY#1|COMPANY#1"]["GSI1PK"]
	assert.False(t, indexed, "index attribute follows the removed field")

	t.Run("Stale", func(t *testing.T) {
		_, err := s.Update(ctx, &entity.Record[int64]{Key: 1, Fields: map[string]any{"name": "late"}}, 1, "session-a")
		require.True(t, errors.IsStaleEntity(err), "got %v", err)
		var stale *errors.StaleEntityError
		require.True(t, stderrors.As(err, &stale))
		assert.Equal(t, int64(2), stale.Actual)
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := s.Update(ctx, &entity.Record[int64]{Key: 99, Fields: map[string]any{}}, 1, "session-a")
		assert.True(t, errors.IsNotFound(err))
	})

	t.Run("BackendFailure", func(t *testing.T) {
		client.fail(&types.ResourceNotFoundException{Message: aws.String("no table")})
		_, err := s.Update(ctx, &entity.Record[int64]{Key: 1, Fields: map[string]any{}}, 2, "session-a")
		assert.True(t, errors.IsBackendUnavailable(err))
		assert.False(t, errors.IsTransient(err))
	})
}

func TestStoreLocking(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	s := newCompanyStore(t, client)
	insert(t, s, 1, map[string]any{"name": "Acme"})

	require.NoError(t, s.Lock(ctx, 1, 1, "session-a"))
	require.NoError(t, s.Lock(ctx, 1, 1, "session-a"), "the holder may lock again")

	loaded, err := s.Load(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, entity.Locked, loaded.Lock)

	err = s.Lock(ctx, 1, 1, "session-b")
	require.True(t, errors.IsAlreadyLocked(err))
	var locked *errors.LockedError
	require.True(t, stderrors.As(err, &locked))
	assert.Equal(t, "session-a", locked.Owner)

	_, err = s.Update(ctx, &entity.Record[int64]{Key: 1, Fields: map[string]any{"name": "b"}}, 1, "session-b")
	assert.True(t, errors.IsAlreadyLocked(err))
	assert.True(t, errors.IsAlreadyLocked(s.Delete(ctx, 1, 1, "session-b")))

	assert.True(t, errors.IsStaleEntity(s.Lock(ctx, 1, 5, "session-b")), "version is checked before the lock")

	_, err = s.Update(ctx, &entity.Record[int64]{Key: 1, Fields: map[string]any{"name": "a"}}, 1, "session-a")
	require.NoError(t, err)

	require.NoError(t, s.Unlock(ctx, 1, "session-b"), "unlock by another session is a no-op")
	assert.Equal(t, "session-a", str(client.items["COMPANY#1|COMPANY#1"][attrLockOwner]))

	require.NoError(t, s.Unlock(ctx, 1, "session-a"))
	loaded, err = s.Load(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, entity.Unlocked, loaded.Lock)

	assert.True(t, errors.IsNotFound(s.Lock(ctx, 42, 1, "session-a")))
	assert.NoError(t, s.Unlock(ctx, 42, "session-a"))
}

func TestStoreDelete(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	s := newCompanyStore(t, client)
	insert(t, s, 1, map[string]any{"name": "Acme"})

	assert.True(t, errors.IsStaleEntity(s.Delete(ctx, 1, 3, "session-a")))
	require.NoError(t, s.Delete(ctx, 1, 1, "session-a"))
	assert.Empty(t, client.items)
	assert.True(t, errors.IsNotFound(s.Delete(ctx, 1, 1, "session-a")))
}

func seedCompanies(t *testing.T, s *Store[int64]) {
	t.Helper()
	cities := []string{"Berlin", "Paris", "Berlin", "Rome", "Berlin", "Paris"}
	for i, city := range cities {
		insert(t, s, int64(i+1), map[string]any{"city": city, "employees": (i + 1) * 10})
	}
}

func TestStoreQueryUsesIndex(t *testing.T) {
	client := newFakeClient()
	s := newCompanyStore(t, client)
	seedCompanies(t, s)

	recs, errs := collect(t, s.Query(context.Background(), storagemodels.Where(map[string]any{"city": "Berlin"}),
		storagemodels.WithPageSize(2)))
	require.Empty(t, errs)

	var keys []int64
	for _, r := range recs {
		keys = append(keys, r.Key)
	}
	assert.ElementsMatch(t, []int64{1, 3, 5}, keys)
	assert.Contains(t, client.indexes, "GSI1")
	assert.Zero(t, client.count("Scan"))
}

func TestStoreQueryScans(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	s := newCompanyStore(t, client)
	seedCompanies(t, s)

	t.Run("Where", func(t *testing.T) {
		recs, errs := collect(t, s.Query(ctx, storagemodels.Where(map[string]any{"employees": 20})))
		require.Empty(t, errs)
		require.Len(t, recs, 1)
		assert.Equal(t, int64(2), recs[0].Key)
	})

	t.Run("Spec", func(t *testing.T) {
		crit := storagemodels.Criteria{Spec: storagemodels.SpecFunc(func(fields map[string]any) bool {
			n, _ := fields["employees"].(float64)
			return n > 35
		})}
		recs, errs := collect(t, s.Query(ctx, crit, storagemodels.WithPageSize(4)))
		require.Empty(t, errs)
		assert.Len(t, recs, 3)
	})

	t.Run("Limit", func(t *testing.T) {
		var pages int
		crit := storagemodels.Criteria{Limit: 3}
		recs, errs := collect(t, s.Query(ctx, crit,
			storagemodels.WithPageSize(2),
			storagemodels.WithProgressHandler(func(p storagemodels.StreamProgress) { pages = p.PagesProcessed }),
		))
		require.Empty(t, errs)
		assert.Len(t, recs, 3)
		assert.Equal(t, 2, pages)
	})

	t.Run("OtherTypesSkipped", func(t *testing.T) {
		other, err := NewStore[string](StoreConfig{
			Client:     client,
			Table:      "entities",
			EntityType: "Tag",
			IndexMap:   map[string]string{"PK": "TAG#{key}"},
		})
		require.NoError(t, err)
		_, err = other.Insert(ctx, &entity.Record[string]{Key: "go", Fields: map[string]any{"city": "Berlin"}})
		require.NoError(t, err)

		recs, errs := collect(t, s.Query(ctx, storagemodels.Criteria{}))
		require.Empty(t, errs)
		assert.Len(t, recs, 6)
	})
}

func TestStoreQueryRetries(t *testing.T) {
	client := newFakeClient()
	s := newCompanyStore(t, client)
	seedCompanies(t, s)

	client.fail(&types.ProvisionedThroughputExceededException{Message: aws.String("slow down")})
	recs, errs := collect(t, s.Query(context.Background(), storagemodels.Criteria{},
		storagemodels.WithRetryBackoff(time.Millisecond)))
	require.Empty(t, errs)
	assert.Len(t, recs, 6)
	assert.Equal(t, 2, client.count("Scan"))
}

func TestStoreQueryFailure(t *testing.T) {
	client := newFakeClient()
	s := newCompanyStore(t, client)
	seedCompanies(t, s)

	t.Run("Stops", func(t *testing.T) {
		client.fail(&types.ResourceNotFoundException{Message: aws.String("no table")})
		recs, errs := collect(t, s.Query(context.Background(), storagemodels.Criteria{}))
		assert.Empty(t, recs)
		require.Len(t, errs, 1)
		assert.True(t, errors.IsBackendUnavailable(errs[0]))
	})

	t.Run("ErrorHandlerContinues", func(t *testing.T) {
		client.fail(&types.ResourceNotFoundException{Message: aws.String("blip")})
		var handled int
		var last storagemodels.StreamProgress
		recs, errs := collect(t, s.Query(context.Background(), storagemodels.Criteria{},
			storagemodels.WithErrorHandler(func(error) bool { handled++; return true }),
			storagemodels.WithProgressHandler(func(p storagemodels.StreamProgress) { last = p }),
		))
		assert.Empty(t, errs)
		assert.Len(t, recs, 6)
		assert.Equal(t, 1, handled)
		assert.Len(t, last.Errors, 1)
	})

	t.Run("Cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		recs, errs := collect(t, s.Query(ctx, storagemodels.Criteria{}))
		assert.Empty(t, recs)
		assert.Empty(t, errs)
	})
}

func TestStoreMaxKey(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	s := newCompanyStore(t, client)

	_, ok, err := s.MaxKey(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	insert(t, s, 4, map[string]any{})
	insert(t, s, 41, map[string]any{})
	insert(t, s, 9, map[string]any{})
	highest, ok, err := s.MaxKey(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(41), highest)
}

func TestIsRetryableError(t *testing.T) {
	assert.True(t, isRetryableError(&types.ProvisionedThroughputExceededException{}))
	assert.True(t, isRetryableError(&types.RequestLimitExceeded{}))
	assert.True(t, isRetryableError(&types.InternalServerError{}))
	assert.False(t, isRetryableError(&types.ConditionalCheckFailedException{}))
	assert.False(t, isRetryableError(stderrors.New("boom")))
}

func TestPlanIndex(t *testing.T) {
	plan, ok := planIndex(DefaultGSIConfigs, companyIndexMap, storagemodels.Where(map[string]any{"city": "Rome", "size": 3}))
	require.True(t, ok)
	assert.Equal(t, "GSI1", plan.config.IndexName)
	assert.Equal(t, "CITY#Rome", plan.partition)

	_, ok = planIndex(DefaultGSIConfigs, companyIndexMap, storagemodels.Where(map[string]any{"size": 3}))
	assert.False(t, ok)

	_, ok = planIndex(DefaultGSIConfigs, map[string]string{"PK": "X#{key}", "GSI1PK": "X#{key}"}, storagemodels.Where(map[string]any{"key": 1}))
	assert.False(t, ok, "index templates using the entity key cannot be planned")
}

func TestBuildFilter(t *testing.T) {
	f := buildFilter("Company", map[string]any{"name": "Acme", "tags": []string{"a"}, "active": true})
	assert.Equal(t, "#entityType = :entityType AND #fields.#w0 = :w0 AND #fields.#w1 = :w1", f.expr)
	assert.Equal(t, "active", f.names["#w0"])
	assert.Equal(t, "name", f.names["#w1"])
	assert.NotContains(t, f.names, "#w2", "non scalar values are matched in process")
}
