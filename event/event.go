/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

package event

import (
	"context"
	"time"

	"github.com/suparena/entitydao/key"
)

// Kind classifies an event.
type Kind int

const (
	// Entity level
	Created Kind = iota + 1
	Updated
	Deleted

	// Factory level
	Opened
	Closed
	DaoRegistered
)

func (k Kind) String() string {
	switch k {
	case Created:
		return "created"
	case Updated:
		return "updated"
	case Deleted:
		return "deleted"
	case Opened:
		return "opened"
	case Closed:
		return "closed"
	case DaoRegistered:
		return "dao_registered"
	default:
		return "unknown"
	}
}

// EntityEvent describes a Created, Updated or Deleted entity.
// Before is nil for Created, After is nil for Deleted.
type EntityEvent[K key.Key] struct {
	Source     any
	Kind       Kind
	EntityType string
	Key        K
	Version    int64
	Before     map[string]any
	After      map[string]any
	// Remote is set when the change was made outside this process and only observed here.
	Remote bool
	Time   time.Time
}

// FactoryEvent describes a factory lifecycle change or a DAO registration.
type FactoryEvent struct {
	Source     any
	Kind       Kind
	Factory    string
	EntityType string
	KeyKind    key.Kind
	Time       time.Time
}

// PropertyChange is delivered to listeners registered on a single business object.
type PropertyChange[K key.Key] struct {
	EntityType string
	Key        K
	Field      string
	Old        any
	New        any
}

// DaoListener receives every entity event of one DAO.
type DaoListener[K key.Key] interface {
	HandleEntityEvent(ctx context.Context, ev EntityEvent[K]) error
}

// DaoListenerFunc adapts a function to DaoListener.
type DaoListenerFunc[K key.Key] func(ctx context.Context, ev EntityEvent[K]) error

func (f DaoListenerFunc[K]) HandleEntityEvent(ctx context.Context, ev EntityEvent[K]) error {
	return f(ctx, ev)
}

// FactoryListener receives factory lifecycle events.
type FactoryListener interface {
	HandleFactoryEvent(ctx context.Context, ev FactoryEvent) error
}

// FactoryListenerFunc adapts a function to FactoryListener.
type FactoryListenerFunc func(ctx context.Context, ev FactoryEvent) error

func (f FactoryListenerFunc) HandleFactoryEvent(ctx context.Context, ev FactoryEvent) error {
	return f(ctx, ev)
}

// PropertyListener is notified of field changes on one business object.
type PropertyListener[K key.Key] func(change PropertyChange[K]) error

func cloneFields(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// NewEntityEvent builds an event with private copies of the snapshots.
func NewEntityEvent[K key.Key](source any, kind Kind, entityType string, k K, version int64, before, after map[string]any) EntityEvent[K] {
	return EntityEvent[K]{
		Source:     source,
		Kind:       kind,
		EntityType: entityType,
		Key:        k,
		Version:    version,
		Before:     cloneFields(before),
		After:      cloneFields(after),
		Time:       time.Now().UTC(),
	}
}
