/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

package storagemodels

import (
	"slices"
	"sync"
	"time"
)

// ProgressTracker accumulates the progress of one stream and hands
// snapshots to a progress handler. It is safe for concurrent use.
type ProgressTracker struct {
	mu       sync.Mutex
	handler  func(StreamProgress)
	progress StreamProgress
}

// NewProgressTracker starts tracking now. handler may be nil.
func NewProgressTracker(handler func(StreamProgress)) *ProgressTracker {
	return &ProgressTracker{
		handler:  handler,
		progress: StreamProgress{StartTime: time.Now()},
	}
}

// Item counts one emitted item.
func (t *ProgressTracker) Item() {
	t.mu.Lock()
	t.progress.ItemsProcessed++
	t.mu.Unlock()
}

// Page counts one fetched page.
func (t *ProgressTracker) Page() {
	t.mu.Lock()
	t.progress.PagesProcessed++
	t.mu.Unlock()
}

// Fail records a non-fatal error.
func (t *ProgressTracker) Fail(err error) {
	t.mu.Lock()
	t.progress.Errors = append(t.progress.Errors, err)
	t.mu.Unlock()
}

// Items returns the number of emitted items.
func (t *ProgressTracker) Items() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress.ItemsProcessed
}

// Pages returns the number of fetched pages.
func (t *ProgressTracker) Pages() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress.PagesProcessed
}

// Snapshot returns a copy of the current progress with the rate computed.
func (t *ProgressTracker) Snapshot() StreamProgress {
	t.mu.Lock()
	p := t.progress
	p.Errors = slices.Clone(t.progress.Errors)
	t.mu.Unlock()

	if elapsed := time.Since(p.StartTime).Seconds(); elapsed > 0 {
		p.CurrentRate = float64(p.ItemsProcessed) / elapsed
	}
	return p
}

// Report passes a snapshot to the handler.
func (t *ProgressTracker) Report() {
	if t.handler == nil {
		return
	}
	t.handler(t.Snapshot())
}
