// Copyright (C) 2025 Furu Labs (oss@furulabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package metrics bundles the Prometheus collectors used across the
// cache core and executors. A nil *Metrics is a valid no-op receiver,
// so components never need to guard their instrumentation calls.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	cacheHits    *prometheus.CounterVec
	computes     *prometheus.CounterVec
	lockWait     prometheus.Histogram
	retries      prometheus.Counter
	queueTasks   *prometheus.GaugeVec
	migrations   *prometheus.CounterVec
	staleRequeue prometheus.Counter
}

// New creates the collector set and registers it on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "furu",
			Name:      "cache_hits_total",
			Help:      "Validated cache hits served without compute.",
		}, []string{"namespace"}),
		computes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "furu",
			Name:      "computes_total",
			Help:      "Compute attempts by terminal outcome.",
		}, []string{"namespace", "outcome"}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "furu",
			Name:      "lock_wait_seconds",
			Help:      "Time spent blocked on another holder's compute lock.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "furu",
			Name:      "compute_retries_total",
			Help:      "Compute retries after failure or crash.",
		}),
		queueTasks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "furu",
			Name:      "queue_tasks",
			Help:      "Worker-pool queue depth by spec key and queue state.",
		}, []string{"spec", "state"}),
		migrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "furu",
			Name:      "migrations_total",
			Help:      "Applied migrations by policy.",
		}, []string{"policy"}),
		staleRequeue: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "furu",
			Name:      "stale_requeues_total",
			Help:      "Worker-pool tasks requeued after a stale claim.",
		}),
	}
	reg.MustRegister(m.cacheHits, m.computes, m.lockWait, m.retries,
		m.queueTasks, m.migrations, m.staleRequeue)
	return m
}

func (m *Metrics) CacheHit(namespace string) {
	if m == nil {
		return
	}
	m.cacheHits.WithLabelValues(namespace).Inc()
}

func (m *Metrics) Compute(namespace, outcome string) {
	if m == nil {
		return
	}
	m.computes.WithLabelValues(namespace, outcome).Inc()
}

func (m *Metrics) LockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.Observe(d.Seconds())
}

func (m *Metrics) Retry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

func (m *Metrics) QueueDepth(spec, state string, n int) {
	if m == nil {
		return
	}
	m.queueTasks.WithLabelValues(spec, state).Set(float64(n))
}

func (m *Metrics) Migration(policy string) {
	if m == nil {
		return
	}
	m.migrations.WithLabelValues(policy).Inc()
}

func (m *Metrics) StaleRequeue() {
	if m == nil {
		return
	}
	m.staleRequeue.Inc()
}
