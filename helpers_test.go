/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

package entitydao_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/suparena/entitydao"
	"github.com/suparena/entitydao/datastore/memory"
	"github.com/suparena/entitydao/entity"
	"github.com/suparena/entitydao/event"
)

// openFactory returns an open factory over root, closed when the test ends.
func openFactory(t *testing.T, root *memory.Root, opts ...entitydao.FactoryOption) *entitydao.Factory {
	t.Helper()
	f, err := entitydao.NewFactory(memory.NewMaster(root), opts...)
	require.NoError(t, err)
	require.NoError(t, f.Open(context.Background()))
	t.Cleanup(func() { _ = f.Close(context.Background()) })
	return f
}

func companyDao(t *testing.T, f *entitydao.Factory) *entitydao.DAO[int64] {
	t.Helper()
	d, err := entitydao.GetDao[int64](context.Background(), f, "Company")
	require.NoError(t, err)
	return d
}

// recorder keeps every entity event it receives.
type recorder[K int32 | int64 | string] struct {
	mu     sync.Mutex
	events []event.EntityEvent[K]
}

func (r *recorder[K]) HandleEntityEvent(_ context.Context, ev event.EntityEvent[K]) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder[K]) all() []event.EntityEvent[K] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.EntityEvent[K](nil), r.events...)
}

// countingStore counts backend loads.
type countingStore struct {
	*memory.Store[int64]
	loads   atomic.Int32
	release chan struct{}
}

func (s *countingStore) Load(ctx context.Context, k int64) (*entity.Record[int64], error) {
	s.loads.Add(1)
	if s.release != nil {
		<-s.release
	}
	return s.Store.Load(ctx, k)
}
