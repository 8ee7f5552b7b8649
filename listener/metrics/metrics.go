/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

// Package metrics exports entity and factory events as Prometheus metrics.
//
//	c := metrics.New("entitydao")
//	c.MustRegister(prometheus.DefaultRegisterer)
//	factory.AddListener(c)
//	companies.AddListener(metrics.DaoListener[int64](c))
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/suparena/entitydao"
	"github.com/suparena/entitydao/event"
	"github.com/suparena/entitydao/key"
)

// Collector holds the counters and gauges fed by event listeners.
type Collector struct {
	EntityEvents  *prometheus.CounterVec
	FactoryEvents *prometheus.CounterVec
	IdentityMap   *prometheus.GaugeVec
}

// New creates the metrics under namespace.
func New(namespace string) *Collector {
	return &Collector{
		EntityEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "entity",
				Name:      "events_total",
				Help:      "Total number of entity events by type, kind and origin",
			},
			[]string{"entity_type", "kind", "origin"},
		),

		FactoryEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "factory",
				Name:      "events_total",
				Help:      "Total number of factory lifecycle events",
			},
			[]string{"factory", "kind"},
		),

		IdentityMap: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "identity_map",
				Name:      "objects",
				Help:      "Objects held by the identity map (state=loaded|dirty|locked)",
			},
			[]string{"entity_type", "state"},
		),
	}
}

// Register registers every metric with reg.
func (c *Collector) Register(reg prometheus.Registerer) error {
	for _, m := range []prometheus.Collector{c.EntityEvents, c.FactoryEvents, c.IdentityMap} {
		if err := reg.Register(m); err != nil {
			return err
		}
	}
	return nil
}

// MustRegister is like Register but panics on error.
func (c *Collector) MustRegister(reg prometheus.Registerer) {
	if err := c.Register(reg); err != nil {
		panic(err)
	}
}

// HandleFactoryEvent implements event.FactoryListener.
func (c *Collector) HandleFactoryEvent(_ context.Context, ev event.FactoryEvent) error {
	c.FactoryEvents.WithLabelValues(ev.Factory, ev.Kind.String()).Inc()
	if ev.Kind == event.Closed {
		c.IdentityMap.Reset()
	}
	return nil
}

// ObserveStats sets the identity map gauges from the factory's DAOs.
func (c *Collector) ObserveStats(f *entitydao.Factory) {
	for _, s := range f.Stats() {
		c.IdentityMap.WithLabelValues(s.EntityType, "loaded").Set(float64(s.Loaded))
		c.IdentityMap.WithLabelValues(s.EntityType, "dirty").Set(float64(s.Dirty))
		c.IdentityMap.WithLabelValues(s.EntityType, "locked").Set(float64(s.Locked))
	}
}

// DaoListener returns a listener counting the entity events of one DAO.
func DaoListener[K key.Key](c *Collector) event.DaoListener[K] {
	return event.DaoListenerFunc[K](func(_ context.Context, ev event.EntityEvent[K]) error {
		origin := "local"
		if ev.Remote {
			origin = "remote"
		}
		c.EntityEvents.WithLabelValues(ev.EntityType, ev.Kind.String(), origin).Inc()
		return nil
	})
}

// Watch registers c on dao and returns the function removing it.
func Watch[K key.Key](c *Collector, dao *entitydao.DAO[K]) func() {
	return dao.AddListener(DaoListener[K](c))
}
