/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

package entitydao

import (
	"context"
	"fmt"
	"sync"

	"github.com/suparena/entitydao/datastore"
	"github.com/suparena/entitydao/errors"
	"github.com/suparena/entitydao/key"
)

// Master owns the backend resource shared by every DAO of one factory: a
// memory root, a directory, a database connection or a DynamoDB client.
type Master interface {
	// Name identifies the backend ("memory", "file", "sqlite", "dynamodb").
	Name() string

	// Open acquires the backend resource.
	Open(ctx context.Context) error

	// Close releases the backend resource.
	Close(ctx context.Context) error

	// OpenStore returns the datastore.Store[K] for entityType, with K matching kind.
	OpenStore(ctx context.Context, entityType string, kind key.Kind) (any, error)

	// Factory returns the factory the master is bound to, or nil.
	Factory() *Factory

	// SetFactory binds the master to f. SetFactory(nil) unbinds it.
	SetFactory(f *Factory)
}

// MasterBase implements the factory binding of a Master. Backends embed it.
type MasterBase struct {
	mu      sync.RWMutex
	factory *Factory
}

// Factory returns the bound factory.
func (b *MasterBase) Factory() *Factory {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.factory
}

// SetFactory binds the master to f.
func (b *MasterBase) SetFactory(f *Factory) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.factory = f
}

// StoreFor opens the store of entityType on m and asserts its key type.
func StoreFor[K key.Key](ctx context.Context, m Master, entityType string) (datastore.Store[K], error) {
	raw, err := m.OpenStore(ctx, entityType, key.KindOf[K]())
	if err != nil {
		return nil, err
	}
	store, ok := raw.(datastore.Store[K])
	if !ok {
		return nil, errors.NewValidationError("key",
			fmt.Sprintf("%s store for %s does not use %s keys", m.Name(), entityType, key.KindOf[K]()))
	}
	return store, nil
}

// OpenByKind calls the constructor matching kind. Backends use it to
// implement OpenStore.
func OpenByKind(kind key.Kind,
	int32Store func() (datastore.Store[int32], error),
	int64Store func() (datastore.Store[int64], error),
	stringStore func() (datastore.Store[string], error),
) (any, error) {
	switch kind {
	case key.KindInt32:
		return int32Store()
	case key.KindInt64:
		return int64Store()
	case key.KindString:
		return stringStore()
	}
	return nil, errors.NewValidationError("key", fmt.Sprintf("unsupported key kind %s", kind))
}
