/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

package storagemodels

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCriteriaMatch(t *testing.T) {
	fields := map[string]any{"city": "Oslo", "employees": float64(12), "status": "open"}

	tests := []struct {
		name string
		crit Criteria
		want bool
	}{
		{"empty matches everything", Criteria{}, true},
		{"equality", Where(map[string]any{"city": "Oslo"}), true},
		{"equality mismatch", Where(map[string]any{"city": "Bergen"}), false},
		{"missing field", Where(map[string]any{"country": "NO"}), false},
		{"numbers compare by value", Where(map[string]any{"employees": 12}), true},
		{"spec", Criteria{Spec: FieldEquals("status", "open")}, true},
		{"not", Criteria{Spec: NotSpec{Spec: FieldEquals("status", "open")}}, false},
		{"and", Criteria{Spec: AndSpec{Left: FieldEquals("city", "Oslo"), Right: FieldEquals("status", "closed")}}, false},
		{"or", Criteria{Spec: OrSpec{Left: FieldEquals("city", "Bergen"), Right: FieldEquals("status", "open")}}, true},
		{"where and spec", Criteria{Where: map[string]any{"city": "Oslo"}, Spec: SpecFunc(func(f map[string]any) bool {
			return f["employees"].(float64) > 10
		})}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.crit.Match(fields))
		})
	}
}

func TestValuesEqual(t *testing.T) {
	assert.True(t, ValuesEqual(int32(3), json.Number("3")))
	assert.True(t, ValuesEqual(uint8(3), 3.0))
	assert.False(t, ValuesEqual(3, "3"))
	assert.True(t, ValuesEqual([]any{"a"}, []any{"a"}))
	assert.True(t, ValuesEqual(nil, nil))
}

func TestApplyStreamOptions(t *testing.T) {
	o := ApplyStreamOptions(WithBufferSize(5), WithPageSize(0), WithMaxRetries(1))
	assert.Equal(t, 5, o.BufferSize)
	assert.Equal(t, int32(100), o.PageSize)
	assert.Equal(t, 1, o.MaxRetries)
}
