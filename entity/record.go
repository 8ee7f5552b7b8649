/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

package entity

import (
	"github.com/go-openapi/strfmt"

	"github.com/suparena/entitydao/key"
)

// State is the persistence state of a Record.
type State int

const (
	// Transient records have no key and were never persisted.
	Transient State = iota
	// Persistent records have a key and exist in the store.
	Persistent
	// Detached records were removed from the store. Detached is terminal.
	Detached
)

func (s State) String() string {
	switch s {
	case Transient:
		return "transient"
	case Persistent:
		return "persistent"
	case Detached:
		return "detached"
	default:
		return "unknown"
	}
}

// LockState is the lock state a business object observed last.
type LockState int

const (
	// Unlocked is the default: no exclusive claim is held.
	Unlocked LockState = iota
	// LockAcquired means this session just obtained the lock.
	LockAcquired
	// Locked means some other party holds the lock.
	Locked
)

func (s LockState) String() string {
	switch s {
	case Unlocked:
		return "UNLOCKED"
	case LockAcquired:
		return "LOCK_ACQUIRED"
	case Locked:
		return "LOCKED"
	default:
		return "UNKNOWN"
	}
}

// Record is the transfer object: the persistent fields of one entity plus its
// key and optimistic lock metadata. It knows nothing about storage or events.
// Fields must only be changed through the owning Object.
type Record[K key.Key] struct {
	Key       K               `json:"key" yaml:"key"`
	Version   int64           `json:"version" yaml:"version"`
	State     State           `json:"-" yaml:"-"`
	Lock      LockState       `json:"-" yaml:"-"`
	Fields    map[string]any  `json:"fields" yaml:"fields"`
	CreatedAt strfmt.DateTime `json:"createdAt" yaml:"createdAt"`
	UpdatedAt strfmt.DateTime `json:"updatedAt" yaml:"updatedAt"`
}

// NewRecord returns a transient record holding a copy of fields.
func NewRecord[K key.Key](fields map[string]any) *Record[K] {
	return &Record[K]{
		State:  Transient,
		Fields: CloneFields(fields),
	}
}

// Clone returns a copy with its own field map. Field values are shared and
// are treated as immutable.
func (r *Record[K]) Clone() *Record[K] {
	if r == nil {
		return nil
	}
	c := *r
	c.Fields = CloneFields(r.Fields)
	return &c
}

// CloneFields copies a field map; nil stays nil.
func CloneFields(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
