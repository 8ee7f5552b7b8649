/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

package registry

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/suparena/entitydao/errors"
	"github.com/suparena/entitydao/key"
)

// Schema describes how one entity type is keyed and stored.
type Schema struct {
	// Name is the entity type name.
	Name string `yaml:"name"`
	// Key is the key type of the entity.
	Key key.Kind `yaml:"key"`
	// NaturalKey means callers supply keys on create instead of a generator.
	NaturalKey bool `yaml:"naturalKey,omitempty"`
	// NonCopyable fields are skipped when one object is copied onto another.
	NonCopyable []string `yaml:"nonCopyable,omitempty"`
	// IndexMap holds DynamoDB key attribute templates, e.g. "PK": "COMPANY#{key}".
	IndexMap map[string]string `yaml:"indexMap,omitempty"`
}

// Registry maps entity type names to their schemas. It is safe for
// concurrent use and is usually populated once during initialization.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]Schema
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{schemas: make(map[string]Schema)}
}

// Register adds s. A type can only be registered once.
func (r *Registry) Register(s Schema) error {
	if s.Name == "" {
		return errors.NewValidationError("name", "entity type name is required")
	}
	if s.Key == key.KindInvalid {
		return errors.NewValidationError("key", fmt.Sprintf("entity type %s needs a key kind", s.Name))
	}
	for attr, tmpl := range s.IndexMap {
		if err := ValidateTemplate(tmpl); err != nil {
			return errors.NewValidationError("indexMap", fmt.Sprintf("%s.%s: %v", s.Name, attr, err))
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.schemas[s.Name]; exists {
		return errors.NewValidationError("name", fmt.Sprintf("entity type %s already registered", s.Name))
	}
	s.NonCopyable = slices.Clone(s.NonCopyable)
	s.IndexMap = cloneMap(s.IndexMap)
	r.schemas[s.Name] = s
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(s Schema) {
	if err := r.Register(s); err != nil {
		panic(fmt.Sprintf("registry: %v", err))
	}
}

// Lookup returns the schema of name.
func (r *Registry) Lookup(name string) (Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[name]
	if !ok {
		return Schema{}, false
	}
	s.NonCopyable = slices.Clone(s.NonCopyable)
	s.IndexMap = cloneMap(s.IndexMap)
	return s, true
}

// Names returns the registered type names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.schemas))
	for name := range r.schemas {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// IndexMap returns the key templates of name, falling back to DefaultIndexMap.
func (r *Registry) IndexMap(name string) map[string]string {
	if s, ok := r.Lookup(name); ok && len(s.IndexMap) > 0 {
		return s.IndexMap
	}
	return DefaultIndexMap(name)
}

// DefaultIndexMap keys every entity of a type under "<TYPE>#<key>".
func DefaultIndexMap(entityType string) map[string]string {
	prefix := strings.ToUpper(entityType) + "#{key}"
	return map[string]string{"PK": prefix, "SK": prefix}
}

var macroPattern = regexp.MustCompile(`\{([^{}]+)\}`)

// ValidateTemplate checks that every {macro} in tmpl is well formed.
func ValidateTemplate(tmpl string) error {
	if strings.Count(tmpl, "{") != strings.Count(tmpl, "}") {
		return fmt.Errorf("unbalanced braces in %q", tmpl)
	}
	for _, m := range macroPattern.FindAllStringSubmatch(tmpl, -1) {
		if strings.TrimSpace(m[1]) == "" {
			return fmt.Errorf("empty macro in %q", tmpl)
		}
	}
	return nil
}

// Expand replaces {key} with the formatted key and {field} with the value of
// that field. A macro naming a missing field is an error.
func Expand(tmpl, formattedKey string, fields map[string]any) (string, error) {
	var missing []string
	out := macroPattern.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := m[1 : len(m)-1]
		if name == "key" {
			return formattedKey
		}
		v, ok := fields[name]
		if !ok || v == nil {
			missing = append(missing, name)
			return m
		}
		return fmt.Sprint(v)
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("template %q: missing fields %s", tmpl, strings.Join(missing, ", "))
	}
	return out, nil
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Macros returns the macro names used in tmpl in order of appearance.
func Macros(tmpl string) []string {
	var names []string
	for _, m := range macroPattern.FindAllStringSubmatch(tmpl, -1) {
		names = append(names, m[1])
	}
	return names
}
