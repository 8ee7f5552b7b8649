/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

package event

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestDeliverInRegistrationOrder(t *testing.T) {
	var reg Registry[DaoListener[int64]]
	var order []string

	record := func(name string) DaoListener[int64] {
		return DaoListenerFunc[int64](func(ctx context.Context, ev EntityEvent[int64]) error {
			order = append(order, name)
			return nil
		})
	}
	reg.Add(record("first"))
	reg.Add(record("second"))
	reg.Add(record("third"))

	ev := NewEntityEvent[int64](nil, Created, "Company", 1, 1, nil, map[string]any{"name": "Acme"})
	errs := Deliver(context.Background(), quiet, "created", reg.Snapshot(), func(l DaoListener[int64]) error {
		return l.HandleEntityEvent(context.Background(), ev)
	})

	assert.Empty(t, errs)
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestDeliverIsolatesFailures(t *testing.T) {
	ctx, warnings := CollectWarnings(context.Background())
	boom := errors.New("boom")
	var reached []int

	listeners := []func() error{
		func() error { reached = append(reached, 0); return boom },
		func() error { reached = append(reached, 1); panic("listener exploded") },
		func() error { reached = append(reached, 2); return nil },
	}

	errs := Deliver(ctx, quiet, "updated", listeners, func(l func() error) error { return l() })

	assert.Equal(t, []int{0, 1, 2}, reached, "every listener must be reached")
	require.Len(t, errs, 2)
	assert.ErrorIs(t, errs[0], boom)

	var derr *DeliveryError
	require.ErrorAs(t, errs[1], &derr)
	assert.Equal(t, 1, derr.Listener)
	assert.Contains(t, derr.Error(), "listener exploded")

	assert.Equal(t, 2, warnings.Len())
	assert.ErrorIs(t, warnings.Err(), boom)
}

func TestReportWithoutCollector(t *testing.T) {
	// no collector attached: must not panic
	Report(context.Background(), errors.New("ignored"))

	var w Warnings
	assert.NoError(t, w.Err())
}

func TestRegistryRemove(t *testing.T) {
	var reg Registry[string]
	removeA := reg.Add("a")
	reg.Add("b")
	removeC := reg.Add("c")

	before := reg.Snapshot()
	removeA()
	removeA() // idempotent
	removeC()

	assert.Equal(t, []string{"b"}, reg.Snapshot())
	assert.Equal(t, []string{"a", "b", "c"}, before, "snapshots are not affected by later removals")
	assert.Equal(t, 1, reg.Len())
}

func TestEventSnapshotsAreCopies(t *testing.T) {
	after := map[string]any{"name": "Acme"}
	ev := NewEntityEvent[string](nil, Created, "Company", "acme", 1, nil, after)
	after["name"] = "Changed"

	assert.Equal(t, "Acme", ev.After["name"])
	assert.Nil(t, ev.Before)
	assert.Equal(t, "created", ev.Kind.String())
	assert.Equal(t, "dao_registered", DaoRegistered.String())
}
