/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

// Package sqlstore provides a SQLite backend. Every entity type gets its own
// table; persistent fields are kept as a JSON document and equality criteria
// are evaluated with json_extract.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/mattn/go-sqlite3"

	"github.com/suparena/entitydao"
	"github.com/suparena/entitydao/datastore"
	"github.com/suparena/entitydao/entity"
	"github.com/suparena/entitydao/errors"
	"github.com/suparena/entitydao/key"
	"github.com/suparena/entitydao/storagemodels"
)

const backendName = "sqlite"

// Option configures a Master.
type Option func(*Master)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(m *Master) {
		m.logger = l
	}
}

// Master owns the database connection.
type Master struct {
	entitydao.MasterBase
	path   string
	logger *slog.Logger

	mu     sync.Mutex
	db     *sql.DB
	stores map[string]any
}

// NewMaster returns a master for the database file at path. ":memory:" opens
// a private in-memory database.
func NewMaster(path string, opts ...Option) (*Master, error) {
	if path == "" {
		return nil, errors.NewValidationError("path", "database path is required")
	}
	m := &Master{path: path, logger: slog.Default(), stores: make(map[string]any)}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Master) Name() string { return backendName }

// DB returns the open database, or nil.
func (m *Master) DB() *sql.DB {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.db
}

// Open opens the database in WAL mode.
func (m *Master) Open(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
			return errors.NewBackendError(backendName, "open", false, fmt.Errorf("create db dir: %w", err))
		}
	}
	db, err := sql.Open("sqlite3", m.path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return errors.NewBackendError(backendName, "open", false, err)
	}
	// One connection serializes writers and keeps ":memory:" databases alive.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return errors.NewBackendError(backendName, "open", false, err)
	}

	m.db = db
	m.logger.Info("sqlite backend opened", "path", m.path)
	return nil
}

// Close closes the database.
func (m *Master) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stores = make(map[string]any)
	if m.db == nil {
		return nil
	}
	err := m.db.Close()
	m.db = nil
	if err != nil {
		return errors.NewBackendError(backendName, "close", false, err)
	}
	return nil
}

// OpenStore implements entitydao.Master. The table is created on first use.
func (m *Master) OpenStore(ctx context.Context, entityType string, kind key.Kind) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.db == nil {
		return nil, errors.NewBackendError(backendName, "open store", false,
			fmt.Errorf("database %s is not open", m.path))
	}
	if s, ok := m.stores[entityType]; ok {
		return s, nil
	}

	s, err := entitydao.OpenByKind(kind,
		func() (datastore.Store[int32], error) { return NewStore[int32](ctx, m.db, entityType) },
		func() (datastore.Store[int64], error) { return NewStore[int64](ctx, m.db, entityType) },
		func() (datastore.Store[string], error) { return NewStore[string](ctx, m.db, entityType) },
	)
	if err != nil {
		return nil, err
	}
	m.stores[entityType] = s
	return s, nil
}

var unsafeChars = regexp.MustCompile(`[^a-z0-9_]+`)

// TableName returns the table holding entityType.
func TableName(entityType string) string {
	return "entity_" + unsafeChars.ReplaceAllString(strings.ToLower(entityType), "_")
}

// Store implements datastore.Store[K] over one table.
type Store[K key.Key] struct {
	db         *sql.DB
	table      string
	entityType string
	now        func() time.Time
}

// NewStore creates the table of entityType if needed.
func NewStore[K key.Key](ctx context.Context, db *sql.DB, entityType string) (*Store[K], error) {
	s := &Store[K]{db: db, table: TableName(entityType), entityType: entityType, now: time.Now}

	keyType := "INTEGER"
	if key.KindOf[K]() == key.KindString {
		keyType = "TEXT"
	}
	schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (
		key        %s PRIMARY KEY,
		version    INTEGER NOT NULL,
		lock_owner TEXT NOT NULL DEFAULT '',
		fields     TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`, s.table, keyType)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, errors.NewBackendError(backendName, "create table", false, err)
	}
	return s, nil
}

// EntityType implements datastore.Store.
func (s *Store[K]) EntityType() string {
	return s.entityType
}

const columns = "key, version, lock_owner, fields, created_at, updated_at"

type scanner interface {
	Scan(dest ...any) error
}

// row is the stored form of one entity.
type row[K key.Key] struct {
	key       K
	version   int64
	lockOwner string
	fields    string
	createdAt string
	updatedAt string
}

func scanRow[K key.Key](sc scanner) (*row[K], error) {
	var r row[K]
	if err := sc.Scan(&r.key, &r.version, &r.lockOwner, &r.fields, &r.createdAt, &r.updatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func (r *row[K]) record() (*entity.Record[K], error) {
	fields := make(map[string]any)
	if err := json.Unmarshal([]byte(r.fields), &fields); err != nil {
		return nil, fmt.Errorf("decode fields of %s: %w", key.Format(r.key), err)
	}
	rec := &entity.Record[K]{
		Key:     r.key,
		Version: r.version,
		State:   entity.Persistent,
		Lock:    entity.Unlocked,
		Fields:  fields,
	}
	if r.lockOwner != "" {
		rec.Lock = entity.Locked
	}
	if ts, err := strfmt.ParseDateTime(r.createdAt); err == nil {
		rec.CreatedAt = ts
	}
	if ts, err := strfmt.ParseDateTime(r.updatedAt); err == nil {
		rec.UpdatedAt = ts
	}
	return rec, nil
}

// get reads the row of k within q, or nil when there is none.
func (s *Store[K]) get(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, k K) (*row[K], error) {
	r, err := scanRow[K](q.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM %q WHERE key = ?", columns, s.table), k))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.backendError("load", err)
	}
	return r, nil
}

// Load implements datastore.Store.
func (s *Store[K]) Load(ctx context.Context, k K) (*entity.Record[K], error) {
	r, err := s.get(ctx, s.db, k)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, errors.NewNotFoundError(s.entityType, key.Format(k))
	}
	rec, err := r.record()
	if err != nil {
		return nil, s.backendError("load", err)
	}
	return rec, nil
}

// Insert implements datastore.Store.
func (s *Store[K]) Insert(ctx context.Context, rec *entity.Record[K]) (*entity.Record[K], error) {
	fields, err := encodeFields(rec.Fields)
	if err != nil {
		return nil, err
	}
	ts := strfmt.DateTime(s.now().UTC()).String()

	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %q (%s) VALUES (?, 1, '', ?, ?, ?)", s.table, columns),
		rec.Key, fields, ts, ts)
	if err != nil {
		var sqliteErr sqlite3.Error
		if stderrors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return nil, errors.NewDuplicateKeyError(s.entityType, key.Format(rec.Key))
		}
		return nil, s.backendError("insert", err)
	}
	return s.Load(ctx, rec.Key)
}

// conditionalExec runs a write guarded by the version and lock checks inside
// a transaction. When no row matched, the current row decides the error.
func (s *Store[K]) conditionalExec(ctx context.Context, op string, k K, expected int64, owner string, stmt string, args ...any) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, s.backendError(op, err)
	}

	args = append(args, k, expected, owner)
	res, err := tx.ExecContext(ctx, stmt+" WHERE key = ? AND version = ? AND (lock_owner = '' OR lock_owner = ?)", args...)
	if err != nil {
		tx.Rollback()
		return nil, s.backendError(op, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return tx, nil
	}

	current, err := s.get(ctx, tx, k)
	tx.Rollback()
	switch {
	case err != nil:
		return nil, err
	case current == nil:
		return nil, errors.NewNotFoundError(s.entityType, key.Format(k))
	case current.version != expected:
		return nil, errors.NewStaleEntityError(s.entityType, key.Format(k), expected, current.version)
	default:
		return nil, errors.NewLockedError(s.entityType, key.Format(k), current.lockOwner)
	}
}

// Update implements datastore.Store.
func (s *Store[K]) Update(ctx context.Context, rec *entity.Record[K], expected int64, owner string) (*entity.Record[K], error) {
	fields, err := encodeFields(rec.Fields)
	if err != nil {
		return nil, err
	}
	tx, err := s.conditionalExec(ctx, "update", rec.Key, expected, owner,
		fmt.Sprintf("UPDATE %q SET fields = ?, version = version + 1, updated_at = ?", s.table),
		fields, strfmt.DateTime(s.now().UTC()).String())
	if err != nil {
		return nil, err
	}

	r, err := s.get(ctx, tx, rec.Key)
	if err != nil || r == nil {
		tx.Rollback()
		if err == nil {
			err = errors.NewNotFoundError(s.entityType, key.Format(rec.Key))
		}
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, s.backendError("update", err)
	}
	stored, err := r.record()
	if err != nil {
		return nil, s.backendError("update", err)
	}
	return stored, nil
}

// Delete implements datastore.Store.
func (s *Store[K]) Delete(ctx context.Context, k K, expected int64, owner string) error {
	tx, err := s.conditionalExec(ctx, "delete", k, expected, owner, fmt.Sprintf("DELETE FROM %q", s.table))
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return s.backendError("delete", err)
	}
	return nil
}

// Lock implements datastore.Store.
func (s *Store[K]) Lock(ctx context.Context, k K, expected int64, owner string) error {
	tx, err := s.conditionalExec(ctx, "lock", k, expected, owner,
		fmt.Sprintf("UPDATE %q SET lock_owner = ?", s.table), owner)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return s.backendError("lock", err)
	}
	return nil
}

// Unlock implements datastore.Store. Only the holder's lock is cleared.
func (s *Store[K]) Unlock(ctx context.Context, k K, owner string) error {
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE %q SET lock_owner = '' WHERE key = ? AND lock_owner = ?", s.table), k, owner)
	if err != nil {
		return s.backendError("unlock", err)
	}
	return nil
}

// Query implements datastore.QueryExecutor. Scalar equality fields are
// evaluated by SQLite; Spec runs in process. Results are ordered by key.
func (s *Store[K]) Query(ctx context.Context, crit storagemodels.Criteria, opts ...storagemodels.StreamOption) <-chan storagemodels.StreamResult[*entity.Record[K]] {
	query, args := s.selectQuery(crit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return datastore.StreamError[K](s.backendError("query", err))
	}
	defer rows.Close()

	var recs []*entity.Record[K]
	for rows.Next() {
		r, err := scanRow[K](rows)
		if err != nil {
			return datastore.StreamError[K](s.backendError("query", err))
		}
		rec, err := r.record()
		if err != nil {
			return datastore.StreamError[K](s.backendError("query", err))
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return datastore.StreamError[K](s.backendError("query", err))
	}
	return datastore.StreamRecords(ctx, recs, crit, opts...)
}

func (s *Store[K]) selectQuery(crit storagemodels.Criteria) (string, []any) {
	var clauses []string
	var args []any
	for _, name := range sortedNames(crit.Where) {
		v := crit.Where[name]
		if !pushable(name, v) {
			continue
		}
		clauses = append(clauses, "json_extract(fields, ?) = ?")
		args = append(args, `$."`+name+`"`, v)
	}

	query := fmt.Sprintf("SELECT %s FROM %q", columns, s.table)
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY key"
	if crit.Limit > 0 && crit.Spec == nil && len(clauses) == len(crit.Where) {
		query += fmt.Sprintf(" LIMIT %d", crit.Limit)
	}
	return query, args
}

// MaxKey implements key.Probe.
func (s *Store[K]) MaxKey(ctx context.Context) (K, bool, error) {
	var highest K
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT key FROM %q ORDER BY key DESC LIMIT 1", s.table)).Scan(&highest)
	if stderrors.Is(err, sql.ErrNoRows) {
		return highest, false, nil
	}
	if err != nil {
		return highest, false, s.backendError("max key", err)
	}
	return highest, true, nil
}

func (s *Store[K]) backendError(op string, err error) error {
	var sqliteErr sqlite3.Error
	transient := stderrors.As(err, &sqliteErr) &&
		(sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked)
	return errors.NewBackendError(backendName, op, transient, err)
}

func encodeFields(fields map[string]any) (string, error) {
	if fields == nil {
		fields = map[string]any{}
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return "", errors.NewValidationError("fields", fmt.Sprintf("marshal: %v", err))
	}
	return string(data), nil
}

// pushable reports whether SQLite equality on json_extract matches v the way
// the in-process match does.
func pushable(name string, v any) bool {
	if strings.ContainsAny(name, `"\`) {
		return false
	}
	switch v.(type) {
	case string, int, int8, int16, int32, int64, uint8, uint16, uint32, float32, float64:
		return true
	}
	return false
}

func sortedNames(m map[string]any) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

var _ datastore.Store[int64] = (*Store[int64])(nil)
