/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

package storagemodels

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgressTracker(t *testing.T) {
	var reports []StreamProgress
	tracker := NewProgressTracker(func(p StreamProgress) { reports = append(reports, p) })

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tracker.Item()
		}()
	}
	wg.Wait()
	tracker.Page()
	tracker.Fail(errors.New("throttled"))
	tracker.Report()

	require.Len(t, reports, 1)
	assert.Equal(t, int64(10), reports[0].ItemsProcessed)
	assert.Equal(t, 1, reports[0].PagesProcessed)
	assert.Len(t, reports[0].Errors, 1)
	assert.False(t, reports[0].StartTime.IsZero())

	tracker.Fail(errors.New("again"))
	assert.Len(t, reports[0].Errors, 1, "snapshots do not share the error slice")
	assert.Len(t, tracker.Snapshot().Errors, 2)
}

func TestProgressTrackerWithoutHandler(t *testing.T) {
	tracker := NewProgressTracker(nil)
	tracker.Item()
	tracker.Report()
	assert.Equal(t, int64(1), tracker.Items())
	assert.Equal(t, 0, tracker.Pages())
}
