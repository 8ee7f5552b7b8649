/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

package entity

import (
	"encoding/json"

	"github.com/suparena/entitydao/key"
)

// Get returns field name as a V. Numbers are converted between numeric types
// because text backends hand back float64 or json.Number for every number.
func Get[V any, K key.Key](o *Object[K], name string) (V, bool) {
	var zero V
	raw, ok := o.Field(name)
	if !ok || raw == nil {
		return zero, false
	}
	if v, ok := raw.(V); ok {
		return v, true
	}
	return coerceNumber[V](raw)
}

func coerceNumber[V any](raw any) (V, bool) {
	var zero V
	i, f, isInt, ok := number(raw)
	if !ok {
		return zero, false
	}
	if !isInt {
		i = int64(f)
	} else {
		f = float64(i)
	}

	var out any
	switch any(zero).(type) {
	case int:
		out = int(i)
	case int32:
		out = int32(i)
	case int64:
		out = i
	case float32:
		out = float32(f)
	case float64:
		out = f
	default:
		return zero, false
	}
	return out.(V), true
}

func number(v any) (i int64, f float64, isInt bool, ok bool) {
	switch n := v.(type) {
	case int:
		return int64(n), 0, true, true
	case int8:
		return int64(n), 0, true, true
	case int16:
		return int64(n), 0, true, true
	case int32:
		return int64(n), 0, true, true
	case int64:
		return n, 0, true, true
	case uint:
		return int64(n), 0, true, true
	case uint8:
		return int64(n), 0, true, true
	case uint16:
		return int64(n), 0, true, true
	case uint32:
		return int64(n), 0, true, true
	case uint64:
		return int64(n), 0, true, true
	case float32:
		return 0, float64(n), false, true
	case float64:
		return 0, n, false, true
	case json.Number:
		if iv, err := n.Int64(); err == nil {
			return iv, 0, true, true
		}
		if fv, err := n.Float64(); err == nil {
			return 0, fv, false, true
		}
	}
	return 0, 0, false, false
}
