// Package metrics holds the Prometheus collectors for the engine. All methods
// are safe on a nil *Metrics so components can run without instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "riskwatch"

// Metrics is a private registry plus the engine's collectors.
type Metrics struct {
	registry          *prometheus.Registry
	cacheLookups      *prometheus.CounterVec
	recomputes        *prometheus.CounterVec
	recomputeDuration prometheus.Histogram
	staleServes       prometheus.Counter
	evaluations       *prometheus.CounterVec
	dispatches        *prometheus.CounterVec
	dispatchAttempts  prometheus.Histogram
	claims            *prometheus.CounterVec
	maintenance       *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Expiring cache lookups by cache and result.",
		}, []string{"cache", "result"}),
		recomputes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_recomputes_total",
			Help:      "Snapshot recomputations by outcome.",
		}, []string{"outcome"}),
		recomputeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_recompute_duration_seconds",
			Help:      "Wall time of snapshot recomputations.",
			Buckets:   prometheus.DefBuckets,
		}),
		staleServes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_stale_serves_total",
			Help:      "Snapshots served past max age because the provider failed.",
		}),
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_evaluations_total",
			Help:      "Subscription evaluations by outcome.",
		}, []string{"outcome"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_dispatches_total",
			Help:      "Alert dispatches by outcome.",
		}, []string{"outcome"}),
		dispatchAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "alert_dispatch_attempts",
			Help:      "Send attempts per dispatched alert.",
			Buckets:   []float64{1, 2, 3, 5, 8},
		}),
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_total",
			Help:      "Insurance claim attempts by outcome.",
		}, []string{"outcome"}),
		maintenance: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "maintenance_runs_total",
			Help:      "Maintenance job runs by job and outcome.",
		}, []string{"job", "outcome"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.cacheLookups,
		m.recomputes,
		m.recomputeDuration,
		m.staleServes,
		m.evaluations,
		m.dispatches,
		m.dispatchAttempts,
		m.claims,
		m.maintenance,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveLookup implements cache.Observer.
func (m *Metrics) ObserveLookup(cache string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(cache, result).Inc()
}

// RecomputeDone records one finished recomputation.
func (m *Metrics) RecomputeDone(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.recomputes.WithLabelValues(outcome).Inc()
	m.recomputeDuration.Observe(took.Seconds())
}

// StaleServed counts a last-known-good fallback.
func (m *Metrics) StaleServed() {
	if m == nil {
		return
	}
	m.staleServes.Inc()
}

// Evaluated counts one subscription evaluation.
func (m *Metrics) Evaluated(outcome string) {
	if m == nil {
		return
	}
	m.evaluations.WithLabelValues(outcome).Inc()
}

// Dispatched records a dispatch outcome and its attempt count.
func (m *Metrics) Dispatched(outcome string, attempts int) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(outcome).Inc()
	if attempts > 0 {
		m.dispatchAttempts.Observe(float64(attempts))
	}
}

// Claimed counts a claim attempt.
func (m *Metrics) Claimed(outcome string) {
	if m == nil {
		return
	}
	m.claims.WithLabelValues(outcome).Inc()
}

// MaintenanceRan counts a maintenance job run.
func (m *Metrics) MaintenanceRan(job string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.maintenance.WithLabelValues(job, outcome).Inc()
}
