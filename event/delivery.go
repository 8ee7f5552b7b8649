/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

package event

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// DeliveryError records one listener failure. It never fails the operation
// that triggered the event.
type DeliveryError struct {
	Event    string
	Listener int
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("listener %d failed on %s: %v", e.Listener, e.Event, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Registry holds listeners in registration order.
type Registry[L any] struct {
	mu      sync.RWMutex
	nextID  uint64
	entries []registryEntry[L]
}

type registryEntry[L any] struct {
	id       uint64
	listener L
}

// Add appends l and returns a function that removes it again.
func (r *Registry[L]) Add(l L) (remove func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	r.entries = append(r.entries, registryEntry[L]{id: id, listener: l})

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			for i, e := range r.entries {
				if e.id == id {
					r.entries = append(r.entries[:i:i], r.entries[i+1:]...)
					return
				}
			}
		})
	}
}

// Snapshot returns the current listeners in registration order.
func (r *Registry[L]) Snapshot() []L {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]L, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.listener
	}
	return out
}

// Len returns the number of registered listeners.
func (r *Registry[L]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Deliver calls fn for each listener in order. A failing or panicking
// listener is logged, reported to the Warnings attached to ctx and skipped;
// delivery continues with the next one.
func Deliver[L any](ctx context.Context, logger *slog.Logger, what string, listeners []L, fn func(L) error) []error {
	if logger == nil {
		logger = slog.Default()
	}

	var errs []error
	for i, l := range listeners {
		if err := safeCall(l, fn); err != nil {
			derr := &DeliveryError{Event: what, Listener: i, Err: err}
			logger.WarnContext(ctx, "event listener failed",
				"event", what,
				"listener", i,
				"error", err,
			)
			Report(ctx, derr)
			errs = append(errs, derr)
		}
	}
	return errs
}

func safeCall[L any](l L, fn func(L) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return fn(l)
}

// Warnings collects listener failures for the caller of an operation.
type Warnings struct {
	mu   sync.Mutex
	errs []error
}

type warningsKey struct{}

// CollectWarnings returns a context that gathers listener failures raised by
// operations called with it.
func CollectWarnings(ctx context.Context) (context.Context, *Warnings) {
	w := &Warnings{}
	return context.WithValue(ctx, warningsKey{}, w), w
}

// Report adds err to the Warnings attached to ctx, if any.
func Report(ctx context.Context, err error) {
	if ctx == nil || err == nil {
		return
	}
	if w, ok := ctx.Value(warningsKey{}).(*Warnings); ok {
		w.mu.Lock()
		w.errs = append(w.errs, err)
		w.mu.Unlock()
	}
}

// Errors returns the collected failures.
func (w *Warnings) Errors() []error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]error(nil), w.errs...)
}

// Len returns the number of collected failures.
func (w *Warnings) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.errs)
}

// Err joins the collected failures, or returns nil.
func (w *Warnings) Err() error {
	return errors.Join(w.Errors()...)
}
