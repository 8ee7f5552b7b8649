/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

package metrics

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suparena/entitydao"
	"github.com/suparena/entitydao/datastore/memory"
	"github.com/suparena/entitydao/event"
)

func TestCollectorCountsEvents(t *testing.T) {
	ctx := context.Background()
	c := New("test")
	require.NoError(t, c.Register(prometheus.NewRegistry()))

	f, err := entitydao.NewFactory(memory.New(), entitydao.WithName("main"))
	require.NoError(t, err)
	f.AddListener(c)
	require.NoError(t, f.Open(ctx))

	companies, err := entitydao.GetDao[int64](ctx, f, "Company")
	require.NoError(t, err)
	remove := Watch(c, companies)

	obj, err := companies.Create(ctx, map[string]any{"name": "Acme"})
	require.NoError(t, err)
	require.NoError(t, obj.SetField("name", "Acme GmbH"))
	_, err = companies.Update(ctx, obj)
	require.NoError(t, err)

	other, err := companies.Create(ctx, map[string]any{"name": "Globex"})
	require.NoError(t, err)
	assert.True(t, companies.Detach(ctx, other.Key()))

	assert.Equal(t, 1.0, testutil.ToFloat64(c.EntityEvents.WithLabelValues("Company", "updated", "local")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.EntityEvents.WithLabelValues("Company", "created", "local")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.EntityEvents.WithLabelValues("Company", "deleted", "remote")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.FactoryEvents.WithLabelValues("main", "opened")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.FactoryEvents.WithLabelValues("main", "dao_registered")))

	require.NoError(t, obj.SetField("name", "dirty"))
	c.ObserveStats(f)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.IdentityMap.WithLabelValues("Company", "loaded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.IdentityMap.WithLabelValues("Company", "dirty")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.IdentityMap.WithLabelValues("Company", "locked")))

	remove()
	_, err = companies.Create(ctx, map[string]any{"name": "Initech"})
	require.NoError(t, err)
	assert.Equal(t, 2.0, testutil.ToFloat64(c.EntityEvents.WithLabelValues("Company", "created", "local")))

	require.NoError(t, f.Close(ctx))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.FactoryEvents.WithLabelValues("main", "closed")))
	assert.Equal(t, 0, testutil.CollectAndCount(c.IdentityMap))
}

func TestRegisterTwiceFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, New("dup").Register(reg))
	assert.Error(t, New("dup").Register(reg))
}

func TestDaoListenerIgnoresSource(t *testing.T) {
	c := New("src")
	l := DaoListener[string](c)
	require.NoError(t, l.HandleEntityEvent(context.Background(),
		event.NewEntityEvent[string](nil, event.Created, "Tag", "go", 1, nil, map[string]any{})))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.EntityEvents.WithLabelValues("Tag", "created", "local")))
}
