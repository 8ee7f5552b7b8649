/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

// Package memory provides an in-process backend. Data lives in a Root that
// several masters (and so several factories) can share, which makes it the
// backend of choice for tests: every store supports fault injection.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/suparena/entitydao"
	"github.com/suparena/entitydao/datastore"
	"github.com/suparena/entitydao/entity"
	"github.com/suparena/entitydao/errors"
	"github.com/suparena/entitydao/key"
	"github.com/suparena/entitydao/storagemodels"
)

const backendName = "memory"

// Root holds the stores of every entity type.
type Root struct {
	mu     sync.Mutex
	stores map[string]any
}

// NewRoot returns an empty root.
func NewRoot() *Root {
	return &Root{stores: make(map[string]any)}
}

// StoreOf returns the store of entityType in r, creating it on first use.
// It fails when the type already exists with another key type.
func StoreOf[K key.Key](r *Root, entityType string) (*Store[K], error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.stores[entityType]; ok {
		s, ok := existing.(*Store[K])
		if !ok {
			return nil, errors.NewValidationError("key",
				fmt.Sprintf("entity type %s is not keyed by %s", entityType, key.KindOf[K]()))
		}
		return s, nil
	}
	s := NewStore[K](entityType)
	r.stores[entityType] = s
	return s, nil
}

// EntityTypes returns the names of the stored entity types.
func (r *Root) EntityTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.stores))
	for name := range r.stores {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Master serves stores from a Root.
type Master struct {
	entitydao.MasterBase
	root *Root
}

// New returns a master over a fresh root.
func New() *Master {
	return NewMaster(NewRoot())
}

// NewMaster returns a master over root. Masters sharing a root see the same data.
func NewMaster(root *Root) *Master {
	if root == nil {
		root = NewRoot()
	}
	return &Master{root: root}
}

// Root returns the data root of the master.
func (m *Master) Root() *Root {
	return m.root
}

func (m *Master) Name() string { return backendName }

func (m *Master) Open(ctx context.Context) error { return ctx.Err() }

func (m *Master) Close(ctx context.Context) error { return nil }

// OpenStore implements entitydao.Master.
func (m *Master) OpenStore(_ context.Context, entityType string, kind key.Kind) (any, error) {
	return entitydao.OpenByKind(kind,
		func() (datastore.Store[int32], error) { return StoreOf[int32](m.root, entityType) },
		func() (datastore.Store[int64], error) { return StoreOf[int64](m.root, entityType) },
		func() (datastore.Store[string], error) { return StoreOf[string](m.root, entityType) },
	)
}

// Store is the in-memory implementation of datastore.Store[K].
type Store[K key.Key] struct {
	mu         sync.RWMutex
	entityType string
	docs       map[K]*datastore.Document[K]
	now        func() time.Time

	loadError   error
	insertError error
	updateError error
	deleteError error
	lockError   error
	queryError  error
	latency     time.Duration
}

// NewStore creates a standalone store for entityType.
func NewStore[K key.Key](entityType string) *Store[K] {
	return &Store[K]{
		entityType: entityType,
		docs:       make(map[K]*datastore.Document[K]),
		now:        time.Now,
	}
}

// WithLoadError makes Load and MaxKey return err. A nil err clears it.
func (s *Store[K]) WithLoadError(err error) *Store[K] {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadError = err
	return s
}

// WithInsertError makes Insert return err
func (s *Store[K]) WithInsertError(err error) *Store[K] {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertError = err
	return s
}

// WithUpdateError makes Update return err
func (s *Store[K]) WithUpdateError(err error) *Store[K] {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateError = err
	return s
}

// WithDeleteError makes Delete return err
func (s *Store[K]) WithDeleteError(err error) *Store[K] {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteError = err
	return s
}

// WithLockError makes Lock and Unlock return err
func (s *Store[K]) WithLockError(err error) *Store[K] {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lockError = err
	return s
}

// WithQueryError makes Query yield err as its only result
func (s *Store[K]) WithQueryError(err error) *Store[K] {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queryError = err
	return s
}

// WithLatency delays every call by d, or until the context is done.
func (s *Store[K]) WithLatency(d time.Duration) *Store[K] {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = d
	return s
}

// EntityType implements datastore.Store.
func (s *Store[K]) EntityType() string {
	return s.entityType
}

func (s *Store[K]) enter(ctx context.Context, injected func(*Store[K]) error) error {
	s.mu.RLock()
	latency := s.latency
	err := injected(s)
	s.mu.RUnlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err != nil {
		return errors.NewBackendError(backendName, "call", false, err)
	}
	return nil
}

// Load implements datastore.Store.
func (s *Store[K]) Load(ctx context.Context, k K) (*entity.Record[K], error) {
	if err := s.enter(ctx, func(s *Store[K]) error { return s.loadError }); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[k]
	if !ok {
		return nil, errors.NewNotFoundError(s.entityType, key.Format(k))
	}
	return doc.Record(), nil
}

// Insert implements datastore.Store.
func (s *Store[K]) Insert(ctx context.Context, rec *entity.Record[K]) (*entity.Record[K], error) {
	if err := s.enter(ctx, func(s *Store[K]) error { return s.insertError }); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.docs[rec.Key]; exists {
		return nil, errors.NewDuplicateKeyError(s.entityType, key.Format(rec.Key))
	}
	doc := datastore.NewDocument(rec, s.now())
	s.docs[rec.Key] = doc
	return doc.Record(), nil
}

// Update implements datastore.Store.
func (s *Store[K]) Update(ctx context.Context, rec *entity.Record[K], expected int64, owner string) (*entity.Record[K], error) {
	if err := s.enter(ctx, func(s *Store[K]) error { return s.updateError }); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[rec.Key]
	if !ok {
		return nil, errors.NewNotFoundError(s.entityType, key.Format(rec.Key))
	}
	if err := datastore.CheckWrite(s.entityType, doc, expected, owner); err != nil {
		return nil, err
	}
	next := doc.Clone()
	next.Apply(rec, s.now())
	s.docs[rec.Key] = next
	return next.Record(), nil
}

// Delete implements datastore.Store.
func (s *Store[K]) Delete(ctx context.Context, k K, expected int64, owner string) error {
	if err := s.enter(ctx, func(s *Store[K]) error { return s.deleteError }); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[k]
	if !ok {
		return errors.NewNotFoundError(s.entityType, key.Format(k))
	}
	if err := datastore.CheckWrite(s.entityType, doc, expected, owner); err != nil {
		return err
	}
	delete(s.docs, k)
	return nil
}

// Lock implements datastore.Store.
func (s *Store[K]) Lock(ctx context.Context, k K, expected int64, owner string) error {
	if err := s.enter(ctx, func(s *Store[K]) error { return s.lockError }); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[k]
	if !ok {
		return errors.NewNotFoundError(s.entityType, key.Format(k))
	}
	if err := datastore.CheckWrite(s.entityType, doc, expected, owner); err != nil {
		return err
	}
	next := doc.Clone()
	next.LockOwner = owner
	s.docs[k] = next
	return nil
}

// Unlock implements datastore.Store.
func (s *Store[K]) Unlock(ctx context.Context, k K, owner string) error {
	if err := s.enter(ctx, func(s *Store[K]) error { return s.lockError }); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[k]
	if !ok || doc.LockOwner != owner {
		return nil
	}
	next := doc.Clone()
	next.LockOwner = ""
	s.docs[k] = next
	return nil
}

// Query implements datastore.QueryExecutor. Results are ordered by key.
func (s *Store[K]) Query(ctx context.Context, crit storagemodels.Criteria, opts ...storagemodels.StreamOption) <-chan storagemodels.StreamResult[*entity.Record[K]] {
	if err := s.enter(ctx, func(s *Store[K]) error { return s.queryError }); err != nil {
		return datastore.StreamError[K](err)
	}

	s.mu.RLock()
	keys := make([]K, 0, len(s.docs))
	for k := range s.docs {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	recs := make([]*entity.Record[K], len(keys))
	for i, k := range keys {
		recs[i] = s.docs[k].Record()
	}
	s.mu.RUnlock()

	return datastore.StreamRecords(ctx, recs, crit, opts...)
}

// MaxKey implements key.Probe.
func (s *Store[K]) MaxKey(ctx context.Context) (K, bool, error) {
	var highest K
	if err := s.enter(ctx, func(s *Store[K]) error { return s.loadError }); err != nil {
		return highest, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	found := false
	for k := range s.docs {
		if !found || k > highest {
			highest = k
			found = true
		}
	}
	return highest, found, nil
}

// Helper methods for testing

// LockOwner returns the session holding the lock on k, if any.
func (s *Store[K]) LockOwner(k K) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if doc, ok := s.docs[k]; ok {
		return doc.LockOwner
	}
	return ""
}

// Put stores fields under k at the given version, bypassing every check.
// It simulates writes made by another process.
func (s *Store[K]) Put(k K, version int64, fields map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := datastore.NewDocument(&entity.Record[K]{Key: k, Fields: fields}, s.now())
	doc.Version = version
	if old, ok := s.docs[k]; ok {
		doc.CreatedAt = old.CreatedAt
		doc.LockOwner = old.LockOwner
	}
	s.docs[k] = doc
}

// Remove drops k, bypassing every check.
func (s *Store[K]) Remove(k K) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, k)
}

// Count returns the number of stored entities
func (s *Store[K]) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// Clear removes all data
func (s *Store[K]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs = make(map[K]*datastore.Document[K])
}

var _ datastore.Store[int64] = (*Store[int64])(nil)
