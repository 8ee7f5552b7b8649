/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

package storagemodels

import (
	"encoding/json"
	"reflect"
)

// Criteria selects records of one entity type.
//
// Where holds field equality constraints; backends push these down when they
// can. Spec is evaluated on the decoded fields after loading. Limit caps the
// number of results; zero means no limit.
type Criteria struct {
	Where map[string]any
	Spec  Specification
	Limit int
}

// Specification is a predicate over the persistent fields of a record.
type Specification interface {
	IsSatisfiedBy(fields map[string]any) bool
}

// SpecFunc adapts a function to Specification.
type SpecFunc func(fields map[string]any) bool

func (f SpecFunc) IsSatisfiedBy(fields map[string]any) bool {
	return f(fields)
}

// AndSpec combines two specifications with AND logic.
type AndSpec struct {
	Left  Specification
	Right Specification
}

func (s AndSpec) IsSatisfiedBy(fields map[string]any) bool {
	return s.Left.IsSatisfiedBy(fields) && s.Right.IsSatisfiedBy(fields)
}

// OrSpec combines two specifications with OR logic.
type OrSpec struct {
	Left  Specification
	Right Specification
}

func (s OrSpec) IsSatisfiedBy(fields map[string]any) bool {
	return s.Left.IsSatisfiedBy(fields) || s.Right.IsSatisfiedBy(fields)
}

// NotSpec negates a specification.
type NotSpec struct {
	Spec Specification
}

func (s NotSpec) IsSatisfiedBy(fields map[string]any) bool {
	return !s.Spec.IsSatisfiedBy(fields)
}

// FieldEquals is satisfied when field name equals value.
func FieldEquals(name string, value any) Specification {
	return SpecFunc(func(fields map[string]any) bool {
		v, ok := fields[name]
		return ok && ValuesEqual(v, value)
	})
}

// Where returns criteria matching every given field value.
func Where(fields map[string]any) Criteria {
	return Criteria{Where: fields}
}

// Match reports whether fields satisfy both the equality constraints and the
// specification.
func (c Criteria) Match(fields map[string]any) bool {
	for name, want := range c.Where {
		got, ok := fields[name]
		if !ok || !ValuesEqual(got, want) {
			return false
		}
	}
	return c.Spec == nil || c.Spec.IsSatisfiedBy(fields)
}

// ValuesEqual compares two field values. Numbers compare by value regardless
// of their Go type, since decoded documents carry float64 where the caller
// wrote an int.
func ValuesEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
