package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsRegistry holds all Prometheus metrics for Gatekeeper
type MetricsRegistry struct {
	// Oracle Metrics
	OracleCallsTotal    prometheus.CounterVec
	OracleErrorsTotal   prometheus.CounterVec
	OracleCallDuration  prometheus.HistogramVec
	RateLimiterWaitTime prometheus.Histogram

	// Cache Metrics
	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter

	// Evaluation Metrics
	EvaluationsTotal    prometheus.CounterVec
	EvaluationDuration  prometheus.Histogram
	GatesEvaluatedTotal prometheus.CounterVec

	// Link Metrics
	LinkSessionsTotal prometheus.CounterVec
}

// NewMetricsRegistry initializes and returns a new MetricsRegistry with all metrics
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{
		// Oracle Metrics
		OracleCallsTotal: *promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_oracle_calls_total",
				Help: "Total reputation oracle calls by colony endpoint",
			},
			[]string{"colony"},
		),
		OracleErrorsTotal: *promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_oracle_errors_total",
				Help: "Oracle call failures by colony endpoint and kind",
			},
			[]string{"colony", "kind"},
		),
		OracleCallDuration: *promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gatekeeper_oracle_call_duration_seconds",
				Help:    "Oracle call latency distribution in seconds",
				Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"colony"},
		),
		RateLimiterWaitTime: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gatekeeper_rate_limiter_wait_seconds",
				Help:    "Time lookups spent waiting for a rate limiter permit",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
		),

		// Cache Metrics
		CacheHitsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "gatekeeper_reputation_cache_hits_total",
				Help: "Reputation cache hits (served without an oracle call)",
			},
		),
		CacheMissesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "gatekeeper_reputation_cache_misses_total",
				Help: "Reputation cache misses (including coalesced waiters)",
			},
		),

		// Evaluation Metrics
		EvaluationsTotal: *promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_evaluations_total",
				Help: "Gate evaluations by outcome (ok, not_linked, error)",
			},
			[]string{"outcome"},
		),
		EvaluationDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gatekeeper_evaluation_duration_seconds",
				Help:    "End-to-end gate evaluation latency in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
		),
		GatesEvaluatedTotal: *promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_gates_evaluated_total",
				Help: "Individual gate outcomes (granted, denied, error)",
			},
			[]string{"outcome"},
		),

		// Link Metrics
		LinkSessionsTotal: *promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_link_sessions_total",
				Help: "Wallet link sessions by terminal state (verified, rejected, expired, mismatch)",
			},
			[]string{"state"},
		),
	}
}
