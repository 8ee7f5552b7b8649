/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

package datastore

import (
	"context"

	"github.com/suparena/entitydao/entity"
	"github.com/suparena/entitydao/key"
	"github.com/suparena/entitydao/storagemodels"
)

// QueryExecutor evaluates criteria against one entity type. The returned
// channel is finite and closed once the results, an error item or ctx
// cancellation end the stream.
type QueryExecutor[K key.Key] interface {
	Query(ctx context.Context, crit storagemodels.Criteria, opts ...storagemodels.StreamOption) <-chan storagemodels.StreamResult[*entity.Record[K]]
}

// Store persists the records of one entity type.
//
// Writes are guarded by an optimistic version check and by the lock owner
// stored next to the record: an empty owner means unlocked, and a write by a
// session other than the owner fails with errors.ErrAlreadyLocked. The
// version check runs before the lock check.
type Store[K key.Key] interface {
	QueryExecutor[K]
	key.Probe[K]

	// EntityType returns the entity type the store serves.
	EntityType() string

	// Load returns the stored record or an errors.ErrNotFound error.
	Load(ctx context.Context, k K) (*entity.Record[K], error)

	// Insert stores rec with version 1. An existing key fails with errors.ErrAlreadyExists.
	Insert(ctx context.Context, rec *entity.Record[K]) (*entity.Record[K], error)

	// Update replaces the fields of rec when the stored version equals
	// expected, and returns the stored record with its new version.
	Update(ctx context.Context, rec *entity.Record[K], expected int64, owner string) (*entity.Record[K], error)

	// Delete removes the record when the stored version equals expected.
	Delete(ctx context.Context, k K, expected int64, owner string) error

	// Lock records owner as lock holder when the stored version equals
	// expected. Re-locking by the holder succeeds.
	Lock(ctx context.Context, k K, expected int64, owner string) error

	// Unlock clears the lock when owner holds it and is a no-op otherwise.
	Unlock(ctx context.Context, k K, owner string) error
}
