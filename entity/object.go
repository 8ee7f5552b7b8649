/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

package entity

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/go-openapi/strfmt"

	"github.com/suparena/entitydao/errors"
	"github.com/suparena/entitydao/event"
	"github.com/suparena/entitydao/key"
)

// Object is the business object wrapping exactly one Record. It tracks
// whether the fields differ from the last persisted snapshot, whether the
// entity was deleted, and the lock state last observed by its DAO.
//
// An Object is not meant to be mutated by several goroutines at once; the
// internal lock only keeps the bookkeeping consistent.
type Object[K key.Key] struct {
	mu         sync.RWMutex
	entityType string
	rec        *Record[K]
	snapshot   map[string]any
	deleted    bool
	noCopy     map[string]struct{}
	pending    []event.PropertyChange[K]
	listeners  event.Registry[event.PropertyListener[K]]
	logger     *slog.Logger
}

type objectOptions struct {
	noCopy []string
	logger *slog.Logger
}

// Option configures an Object.
type Option func(*objectOptions)

// WithNonCopyable excludes fields from CopyTo.
func WithNonCopyable(fields ...string) Option {
	return func(o *objectOptions) {
		o.noCopy = append(o.noCopy, fields...)
	}
}

// WithLogger sets the logger used to report property listener failures.
func WithLogger(l *slog.Logger) Option {
	return func(o *objectOptions) {
		o.logger = l
	}
}

// New wraps rec. The object takes ownership of rec; the current fields
// become the clean baseline.
func New[K key.Key](entityType string, rec *Record[K], opts ...Option) *Object[K] {
	cfg := objectOptions{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if rec == nil {
		rec = NewRecord[K](nil)
	}
	if rec.Fields == nil {
		rec.Fields = make(map[string]any)
	}

	o := &Object[K]{
		entityType: entityType,
		rec:        rec,
		snapshot:   CloneFields(rec.Fields),
		logger:     cfg.logger,
	}
	if len(cfg.noCopy) > 0 {
		o.noCopy = make(map[string]struct{}, len(cfg.noCopy))
		for _, f := range cfg.noCopy {
			o.noCopy[f] = struct{}{}
		}
	}
	return o
}

// EntityType returns the entity type name.
func (o *Object[K]) EntityType() string {
	return o.entityType
}

// Key returns the entity key.
func (o *Object[K]) Key() K {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.rec.Key
}

// Version returns the last known persisted version.
func (o *Object[K]) Version() int64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.rec.Version
}

// State returns the persistence state of the wrapped record.
func (o *Object[K]) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.rec.State
}

// IsNew reports whether the entity was never persisted.
func (o *Object[K]) IsNew() bool {
	return o.State() == Transient
}

// IsDirty reports whether any field differs from the last persisted snapshot.
func (o *Object[K]) IsDirty() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return !fieldsEqual(o.rec.Fields, o.snapshot)
}

// IsDeleted reports whether the entity was deleted.
func (o *Object[K]) IsDeleted() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.deleted
}

// LockState returns the lock state last observed for this entity.
func (o *Object[K]) LockState() LockState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.rec.Lock
}

// CreatedAt returns the creation timestamp recorded by the store.
func (o *Object[K]) CreatedAt() strfmt.DateTime {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.rec.CreatedAt
}

// UpdatedAt returns the last persist timestamp.
func (o *Object[K]) UpdatedAt() strfmt.DateTime {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.rec.UpdatedAt
}

// Field returns the current value of name.
func (o *Object[K]) Field(name string) (any, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	v, ok := o.rec.Fields[name]
	return v, ok
}

// Fields returns a copy of the current fields.
func (o *Object[K]) Fields() map[string]any {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return CloneFields(o.rec.Fields)
}

// Snapshot returns a copy of the last persisted fields.
func (o *Object[K]) Snapshot() map[string]any {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return CloneFields(o.snapshot)
}

// Record returns a copy of the wrapped record.
func (o *Object[K]) Record() *Record[K] {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.rec.Clone()
}

// SetField sets name to value. Setting an equal value is a no-op; a change
// marks the object dirty and notifies its property listeners. Listener
// failures are logged only; use SetFieldContext to collect them.
func (o *Object[K]) SetField(name string, value any) error {
	return o.SetFieldContext(context.Background(), name, value)
}

// SetFieldContext is SetField reporting property listener failures to the
// event.Warnings attached to ctx.
func (o *Object[K]) SetFieldContext(ctx context.Context, name string, value any) error {
	o.mu.Lock()
	if o.deleted {
		k := o.rec.Key
		o.mu.Unlock()
		return fmt.Errorf("set %q on %s %s: %w", name, o.entityType, key.Format(k), errors.ErrEntityDeleted)
	}
	old, had := o.rec.Fields[name]
	if had && valuesEqual(old, value) {
		o.mu.Unlock()
		return nil
	}
	o.rec.Fields[name] = value
	o.pending = append(o.pending, event.PropertyChange[K]{
		EntityType: o.entityType,
		Key:        o.rec.Key,
		Field:      name,
		Old:        old,
		New:        value,
	})
	o.mu.Unlock()

	o.flush(ctx)
	return nil
}

// MarkClean makes the current fields the persisted baseline. It is called by
// the owning DAO right after a successful persist and never touches the key.
func (o *Object[K]) MarkClean() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.snapshot = CloneFields(o.rec.Fields)
}

// Commit records a successful persist at version and marks the object clean.
func (o *Object[K]) Commit(version int64, at strfmt.DateTime) {
	o.mu.Lock()
	o.rec.Version = version
	o.rec.State = Persistent
	o.rec.UpdatedAt = at
	o.mu.Unlock()

	o.MarkClean()
}

// Reloaded records that version of the entity, stored at at, holds stored.
// stored becomes the baseline, except that non-copyable fields keep their
// previous baseline value, so unsaved local edits to them stay dirty.
func (o *Object[K]) Reloaded(version int64, at strfmt.DateTime, stored map[string]any) {
	base := CloneFields(stored)
	if base == nil {
		base = make(map[string]any)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for name := range o.noCopy {
		if v, ok := o.snapshot[name]; ok {
			base[name] = v
		} else {
			delete(base, name)
		}
	}
	o.rec.Version = version
	o.rec.State = Persistent
	o.rec.UpdatedAt = at
	o.snapshot = base
}

// MarkDeleted flags the object as deleted. Deletion is terminal.
func (o *Object[K]) MarkDeleted() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deleted = true
	o.rec.State = Detached
	o.rec.Lock = Unlocked
}

// SetLockState records the lock state observed by the owning DAO.
func (o *Object[K]) SetLockState(s LockState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rec.Lock = s
}

// CopyTo copies every copyable field of o into target so that target's
// fields match o's. The target keeps its own key, version and lock state, and
// fields declared non-copyable on the target are left alone.
func (o *Object[K]) CopyTo(target *Object[K]) error {
	return o.CopyToContext(context.Background(), target)
}

// CopyToContext is CopyTo reporting property listener failures to the
// event.Warnings attached to ctx.
func (o *Object[K]) CopyToContext(ctx context.Context, target *Object[K]) error {
	if target == nil || target == o {
		return nil
	}
	if target.entityType != o.entityType {
		return errors.NewValidationError("entityType",
			fmt.Sprintf("cannot copy %s into %s", o.entityType, target.entityType))
	}

	o.mu.RLock()
	src := CloneFields(o.rec.Fields)
	o.mu.RUnlock()

	target.mu.Lock()
	if target.deleted {
		k := target.rec.Key
		target.mu.Unlock()
		return fmt.Errorf("copy into %s %s: %w", target.entityType, key.Format(k), errors.ErrEntityDeleted)
	}
	for name, v := range src {
		if _, skip := target.noCopy[name]; skip {
			continue
		}
		old, had := target.rec.Fields[name]
		if had && valuesEqual(old, v) {
			continue
		}
		target.rec.Fields[name] = v
		target.pending = append(target.pending, event.PropertyChange[K]{
			EntityType: target.entityType, Key: target.rec.Key, Field: name, Old: old, New: v,
		})
	}
	for name, old := range target.rec.Fields {
		if _, skip := target.noCopy[name]; skip {
			continue
		}
		if _, ok := src[name]; ok {
			continue
		}
		delete(target.rec.Fields, name)
		target.pending = append(target.pending, event.PropertyChange[K]{
			EntityType: target.entityType, Key: target.rec.Key, Field: name, Old: old,
		})
	}
	target.mu.Unlock()

	target.flush(ctx)
	return nil
}

// AddPropertyListener registers l for field changes and returns a function removing it.
func (o *Object[K]) AddPropertyListener(l event.PropertyListener[K]) func() {
	return o.listeners.Add(l)
}

func (o *Object[K]) flush(ctx context.Context) {
	o.mu.Lock()
	pending := o.pending
	o.pending = nil
	o.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	listeners := o.listeners.Snapshot()
	if len(listeners) == 0 {
		return
	}
	for _, change := range pending {
		change := change
		event.Deliver(ctx, o.logger, "property "+change.Field, listeners,
			func(l event.PropertyListener[K]) error { return l(change) })
	}
}

func fieldsEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !valuesEqual(av, bv) {
			return false
		}
	}
	return true
}

// valuesEqual compares field values as they survive a backend round trip:
// numbers by value whatever their Go type, maps and slices element by element.
func valuesEqual(a, b any) bool {
	if ai, af, aInt, ok := number(a); ok {
		bi, bf, bInt, ok := number(b)
		if !ok {
			return false
		}
		if aInt && bInt {
			return ai == bi
		}
		if aInt {
			af = float64(ai)
		}
		if bInt {
			bf = float64(bi)
		}
		return af == bf
	}
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		return ok && fieldsEqual(av, bv)
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !valuesEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}
