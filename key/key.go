/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

package key

import (
	"context"
	"fmt"
	"strconv"
)

// Key is the set of identifier types an entity can be keyed by.
type Key interface {
	int32 | int64 | string
}

// Integer is the subset of key types that can be generated from a sequence.
type Integer interface {
	int32 | int64
}

// Kind tags the semantic type of a key.
type Kind int

const (
	// KindInvalid is the zero Kind; no key type maps to it.
	KindInvalid Kind = iota
	// KindInt32 marks int32 keys.
	KindInt32
	// KindInt64 marks int64 keys.
	KindInt64
	// KindString marks string keys.
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindInt32:
		return "int32"
	case KindInt64:
		return "int64"
	case KindString:
		return "string"
	default:
		return "invalid"
	}
}

// ParseKind maps a configuration name ("int32", "int", "long", "string") to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "int32", "int", "integer":
		return KindInt32, nil
	case "int64", "long":
		return KindInt64, nil
	case "string", "text", "uuid":
		return KindString, nil
	}
	return KindInvalid, fmt.Errorf("unknown key kind %q", s)
}

// KindOf returns the Kind of the key type K.
func KindOf[K Key]() Kind {
	var zero K
	switch any(zero).(type) {
	case int32:
		return KindInt32
	case int64:
		return KindInt64
	default:
		return KindString
	}
}

// Format renders a key the way backends use it in paths and item attributes.
func Format[K Key](k K) string {
	switch v := any(k).(type) {
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case int64:
		return strconv.FormatInt(v, 10)
	case string:
		return v
	}
	return fmt.Sprint(k)
}

// Parse is the inverse of Format.
func Parse[K Key](s string) (K, error) {
	var zero K
	switch any(zero).(type) {
	case int32:
		n, err := strconv.ParseInt(s, 10, 32)
		if err != nil {
			return zero, fmt.Errorf("parse int32 key %q: %w", s, err)
		}
		return any(int32(n)).(K), nil
	case int64:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return zero, fmt.Errorf("parse int64 key %q: %w", s, err)
		}
		return any(n).(K), nil
	default:
		if s == "" {
			return zero, fmt.Errorf("empty string key")
		}
		return any(s).(K), nil
	}
}

// Generator produces keys for newly created entities.
type Generator[K Key] interface {
	NextKey() (K, error)
}

// Probe reports the highest key currently stored by a backend.
// ok is false when the backend holds no entity of the type.
type Probe[K Key] interface {
	MaxKey(ctx context.Context) (highest K, ok bool, err error)
}

// Restorer is implemented by generators whose state can be resumed from a backend.
type Restorer[K Key] interface {
	Restore(ctx context.Context, probe Probe[K]) error
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if k == KindInvalid {
		return nil, fmt.Errorf("invalid key kind")
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
