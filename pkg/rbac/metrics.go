package rbac

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds authorization Prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	DecisionsTotal      *prometheus.CounterVec
	DecisionDuration    *prometheus.HistogramVec
	CacheRequestsTotal  *prometheus.CounterVec
	CacheInvalidations  *prometheus.CounterVec
	GuardResponsesTotal *prometheus.CounterVec
}

// NewMetrics creates and registers the authorization metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		DecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sharehub_authz_decisions_total",
				Help: "Total number of authorization decisions",
			},
			[]string{"check", "outcome"},
		),
		DecisionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sharehub_authz_decision_duration_seconds",
				Help:    "Authorization decision latency in seconds",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
			},
			[]string{"check"},
		),
		CacheRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sharehub_authz_cache_requests_total",
				Help: "Identity cache lookups by result",
			},
			[]string{"result"},
		),
		CacheInvalidations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sharehub_authz_cache_invalidations_total",
				Help: "Identity cache invalidation events by scope",
			},
			[]string{"scope"},
		),
		GuardResponsesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sharehub_authz_guard_responses_total",
				Help: "Enforcement middleware outcomes by code",
			},
			[]string{"guard", "code"},
		),
	}

	if registry != nil {
		registry.MustRegister(
			m.DecisionsTotal,
			m.DecisionDuration,
			m.CacheRequestsTotal,
			m.CacheInvalidations,
			m.GuardResponsesTotal,
		)
	}
	return m
}

func (m *Metrics) decision(check string, allowed bool, err error, start time.Time) {
	if m == nil {
		return
	}
	outcome := "deny"
	switch {
	case err != nil:
		outcome = "error"
	case allowed:
		outcome = "allow"
	}
	m.DecisionsTotal.WithLabelValues(check, outcome).Inc()
	m.DecisionDuration.WithLabelValues(check).Observe(time.Since(start).Seconds())
}

func (m *Metrics) cacheResult(result string) {
	if m == nil {
		return
	}
	m.CacheRequestsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) cacheInvalidation(scope string) {
	if m == nil {
		return
	}
	m.CacheInvalidations.WithLabelValues(scope).Inc()
}

func (m *Metrics) guardResponse(guard, code string) {
	if m == nil {
		return
	}
	m.GuardResponsesTotal.WithLabelValues(guard, code).Inc()
}
