// Package metrics exposes Prometheus collectors for the monitor and poller.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chorus"

// Metrics holds the engine's collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	corrections  prometheus.Counter
	orphans      prometheus.Counter
	frozen       prometheus.Counter
	events       *prometheus.CounterVec
	hookFailures *prometheus.CounterVec
	watchers     prometheus.Gauge
	cycle        prometheus.Histogram
}

// MustNewMetrics registers the collectors with reg (the default registerer
// when nil). Collectors already registered under the same name are reused,
// so building several engines in one process does not panic.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		corrections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "poller", Name: "corrections_total",
			Help: "Times the poller overwrote an agent status reported by events or hooks.",
		}),
		orphans: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "poller", Name: "orphans_total",
			Help: "Active tasks whose tmux session disappeared.",
		}),
		frozen: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "poller", Name: "frozen_total",
			Help: "Frozen-task warnings: an agent observed busy beyond the threshold.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "monitor", Name: "events_total",
			Help: "Stream events processed, by type.",
		}, []string{"type"}),
		hookFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "monitor", Name: "hook_failures_total",
			Help: "Failed version-control hook calls, by hook.",
		}, []string{"hook"}),
		watchers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "monitor", Name: "watchers",
			Help: "Session watchers currently running.",
		}),
		cycle: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "monitor", Name: "cycle_duration_seconds",
			Help:    "Time spent in one watcher capture-parse-apply cycle.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	m.corrections = register(reg, m.corrections)
	m.orphans = register(reg, m.orphans)
	m.frozen = register(reg, m.frozen)
	m.events = register(reg, m.events)
	m.hookFailures = register(reg, m.hookFailures)
	m.watchers = register(reg, m.watchers)
	m.cycle = register(reg, m.cycle)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// IncCorrection records a poller correction.
func (m *Metrics) IncCorrection() {
	if m == nil {
		return
	}
	m.corrections.Inc()
}

// IncOrphan records a task found without its session.
func (m *Metrics) IncOrphan() {
	if m == nil {
		return
	}
	m.orphans.Inc()
}

// IncFrozen records a frozen-task warning.
func (m *Metrics) IncFrozen() {
	if m == nil {
		return
	}
	m.frozen.Inc()
}

// IncEvent counts a processed stream event.
func (m *Metrics) IncEvent(typ string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(typ).Inc()
}

// IncHookFailure counts a failed pre-edit, post-edit, discover or commit call.
func (m *Metrics) IncHookFailure(hook string) {
	if m == nil {
		return
	}
	m.hookFailures.WithLabelValues(hook).Inc()
}

// SetWatchers reports the live watcher count.
func (m *Metrics) SetWatchers(n int) {
	if m == nil {
		return
	}
	m.watchers.Set(float64(n))
}

// ObserveCycle records one watcher cycle.
func (m *Metrics) ObserveCycle(d time.Duration) {
	if m == nil {
		return
	}
	m.cycle.Observe(d.Seconds())
}
