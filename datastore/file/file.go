/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

// Package file provides a backend that keeps one document per entity on the
// local filesystem: <dir>/<entity type>/<key>.json (or .yaml). Writes are
// atomic through a rename. Stores serialize their own writes; concurrent
// writers in other processes are not coordinated.
package file

import (
	"context"
	stderrors "errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/suparena/entitydao"
	"github.com/suparena/entitydao/datastore"
	"github.com/suparena/entitydao/entity"
	"github.com/suparena/entitydao/errors"
	"github.com/suparena/entitydao/key"
	"github.com/suparena/entitydao/storagemodels"
)

const backendName = "file"

// Option configures a Master.
type Option func(*Master)

// WithSerializer selects the document format. The default is datastore.JSON.
func WithSerializer(s datastore.Serializer) Option {
	return func(m *Master) {
		m.serializer = s
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(m *Master) {
		m.logger = l
	}
}

// Master serves the stores kept under one directory.
type Master struct {
	entitydao.MasterBase
	dir        string
	serializer datastore.Serializer
	logger     *slog.Logger

	mu     sync.Mutex
	open   bool
	stores map[string]any
}

// NewMaster returns a master for dir. The directory is created on Open.
func NewMaster(dir string, opts ...Option) (*Master, error) {
	if dir == "" {
		return nil, errors.NewValidationError("dir", "data directory is required")
	}
	m := &Master{
		dir:        dir,
		serializer: datastore.JSON,
		logger:     slog.Default(),
		stores:     make(map[string]any),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Master) Name() string { return backendName }

// Dir returns the data directory.
func (m *Master) Dir() string { return m.dir }

// Open creates the data directory.
func (m *Master) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return errors.NewBackendError(backendName, "open", false, err)
	}

	m.mu.Lock()
	m.open = true
	m.mu.Unlock()
	m.logger.Info("file backend opened", "dir", m.dir, "format", m.serializer.Name())
	return nil
}

func (m *Master) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = false
	m.stores = make(map[string]any)
	return nil
}

// OpenStore implements entitydao.Master.
func (m *Master) OpenStore(_ context.Context, entityType string, kind key.Kind) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.open {
		return nil, errors.NewBackendError(backendName, "open store", false,
			fmt.Errorf("master for %s is not open", m.dir))
	}
	if s, ok := m.stores[entityType]; ok {
		return s, nil
	}

	dir := filepath.Join(m.dir, url.PathEscape(entityType))
	s, err := entitydao.OpenByKind(kind,
		func() (datastore.Store[int32], error) { return NewStore[int32](dir, entityType, m.serializer) },
		func() (datastore.Store[int64], error) { return NewStore[int64](dir, entityType, m.serializer) },
		func() (datastore.Store[string], error) { return NewStore[string](dir, entityType, m.serializer) },
	)
	if err != nil {
		return nil, err
	}
	m.stores[entityType] = s
	return s, nil
}

// Store implements datastore.Store[K] over one directory.
type Store[K key.Key] struct {
	mu         sync.RWMutex
	dir        string
	entityType string
	serializer datastore.Serializer
	now        func() time.Time
}

// NewStore creates dir if needed and returns the store of entityType kept there.
func NewStore[K key.Key](dir, entityType string, serializer datastore.Serializer) (*Store[K], error) {
	if serializer == nil {
		serializer = datastore.JSON
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.NewBackendError(backendName, "create store", false, err)
	}
	return &Store[K]{
		dir:        dir,
		entityType: entityType,
		serializer: serializer,
		now:        time.Now,
	}, nil
}

// EntityType implements datastore.Store.
func (s *Store[K]) EntityType() string {
	return s.entityType
}

func (s *Store[K]) path(k K) string {
	return filepath.Join(s.dir, url.PathEscape(key.Format(k))+s.serializer.Extension())
}

// read returns the document of k, or nil when there is none.
func (s *Store[K]) read(k K) (*datastore.Document[K], error) {
	return s.readFile(s.path(k))
}

func (s *Store[K]) readFile(path string) (*datastore.Document[K], error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.NewBackendError(backendName, "read", false, err)
	}
	var doc datastore.Document[K]
	if err := s.serializer.Unmarshal(data, &doc); err != nil {
		return nil, errors.NewBackendError(backendName, "decode", false,
			fmt.Errorf("%s: %w", filepath.Base(path), err))
	}
	return &doc, nil
}

// write replaces the document of doc.Key atomically.
func (s *Store[K]) write(doc *datastore.Document[K]) error {
	data, err := s.serializer.Marshal(doc)
	if err != nil {
		return errors.NewValidationError("fields", fmt.Sprintf("marshal: %v", err))
	}

	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return errors.NewBackendError(backendName, "write", false, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.NewBackendError(backendName, "write", false, err)
	}
	if err := tmp.Close(); err != nil {
		return errors.NewBackendError(backendName, "write", false, err)
	}
	if err := os.Rename(tmp.Name(), s.path(doc.Key)); err != nil {
		return errors.NewBackendError(backendName, "write", false, err)
	}
	return nil
}

// Load implements datastore.Store.
func (s *Store[K]) Load(ctx context.Context, k K) (*entity.Record[K], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, err := s.read(k)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, errors.NewNotFoundError(s.entityType, key.Format(k))
	}
	return doc.Record(), nil
}

// Insert implements datastore.Store.
func (s *Store[K]) Insert(ctx context.Context, rec *entity.Record[K]) (*entity.Record[K], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.read(rec.Key)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, errors.NewDuplicateKeyError(s.entityType, key.Format(rec.Key))
	}
	doc := datastore.NewDocument(rec, s.now())
	if err := s.write(doc); err != nil {
		return nil, err
	}
	return doc.Record(), nil
}

// modify applies change to the document of k after the version and lock checks.
func (s *Store[K]) modify(ctx context.Context, k K, expected int64, owner string, change func(*datastore.Document[K])) (*datastore.Document[K], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	doc, err := s.read(k)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, errors.NewNotFoundError(s.entityType, key.Format(k))
	}
	if err := datastore.CheckWrite(s.entityType, doc, expected, owner); err != nil {
		return nil, err
	}
	if change != nil {
		change(doc)
	}
	return doc, nil
}

// Update implements datastore.Store.
func (s *Store[K]) Update(ctx context.Context, rec *entity.Record[K], expected int64, owner string) (*entity.Record[K], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.modify(ctx, rec.Key, expected, owner, func(d *datastore.Document[K]) {
		d.Apply(rec, s.now())
	})
	if err != nil {
		return nil, err
	}
	if err := s.write(doc); err != nil {
		return nil, err
	}
	return doc.Record(), nil
}

// Delete implements datastore.Store.
func (s *Store[K]) Delete(ctx context.Context, k K, expected int64, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.modify(ctx, k, expected, owner, nil); err != nil {
		return err
	}
	if err := os.Remove(s.path(k)); err != nil {
		return errors.NewBackendError(backendName, "delete", false, err)
	}
	return nil
}

// Lock implements datastore.Store.
func (s *Store[K]) Lock(ctx context.Context, k K, expected int64, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.modify(ctx, k, expected, owner, func(d *datastore.Document[K]) {
		d.LockOwner = owner
	})
	if err != nil {
		return err
	}
	return s.write(doc)
}

// Unlock implements datastore.Store.
func (s *Store[K]) Unlock(ctx context.Context, k K, owner string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read(k)
	if err != nil {
		return err
	}
	if doc == nil || doc.LockOwner != owner {
		return nil
	}
	doc.LockOwner = ""
	return s.write(doc)
}

// all reads every document of the store ordered by key.
func (s *Store[K]) all() ([]*datastore.Document[K], error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.NewBackendError(backendName, "read dir", false, err)
	}

	docs := make([]*datastore.Document[K], 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != s.serializer.Extension() {
			continue
		}
		doc, err := s.readFile(filepath.Join(s.dir, name))
		if err != nil {
			return nil, err
		}
		if doc != nil {
			docs = append(docs, doc)
		}
	}
	slices.SortFunc(docs, func(a, b *datastore.Document[K]) int {
		switch {
		case a.Key < b.Key:
			return -1
		case a.Key > b.Key:
			return 1
		}
		return 0
	})
	return docs, nil
}

// Query implements datastore.QueryExecutor. Results are ordered by key.
func (s *Store[K]) Query(ctx context.Context, crit storagemodels.Criteria, opts ...storagemodels.StreamOption) <-chan storagemodels.StreamResult[*entity.Record[K]] {
	if err := ctx.Err(); err != nil {
		return datastore.StreamError[K](err)
	}
	s.mu.RLock()
	docs, err := s.all()
	s.mu.RUnlock()
	if err != nil {
		return datastore.StreamError[K](err)
	}

	recs := make([]*entity.Record[K], len(docs))
	for i, doc := range docs {
		recs[i] = doc.Record()
	}
	return datastore.StreamRecords(ctx, recs, crit, opts...)
}

// MaxKey implements key.Probe.
func (s *Store[K]) MaxKey(ctx context.Context) (K, bool, error) {
	var highest K
	if err := ctx.Err(); err != nil {
		return highest, false, err
	}
	s.mu.RLock()
	docs, err := s.all()
	s.mu.RUnlock()
	if err != nil || len(docs) == 0 {
		return highest, false, err
	}
	return docs[len(docs)-1].Key, true, nil
}

var _ datastore.Store[int64] = (*Store[int64])(nil)
