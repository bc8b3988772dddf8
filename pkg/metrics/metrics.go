// Package metrics holds the Prometheus collectors of the insight lifecycle.
// They register on the default registry and are served on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// IngestOutcomes counts ingested candidates by kind and outcome.
	IngestOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insights_ingest_total",
			Help: "Ingested insight candidates by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// Transitions counts committed state machine transitions.
	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insights_transitions_total",
			Help: "Committed insight status transitions",
		},
		[]string{"from", "to"},
	)

	// StaleTransitions counts transitions lost to a concurrent actor.
	StaleTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insights_stale_transitions_total",
			Help: "Transitions that observed a stale state",
		},
		[]string{"from", "to"},
	)

	// SchedulerPasses counts auto-annotation passes by result.
	SchedulerPasses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insights_scheduler_passes_total",
			Help: "Auto-annotation scheduler passes by result",
		},
		[]string{"result"},
	)

	// SchedulerDecisions counts what a pass did with each scanned insight.
	SchedulerDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insights_scheduler_decisions_total",
			Help: "Auto-annotation decisions by kind and decision",
		},
		[]string{"kind", "decision"},
	)

	// SchedulerPassDuration tracks how long a full pass takes.
	SchedulerPassDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "insights_scheduler_pass_seconds",
			Help:    "Auto-annotation pass duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// PropagationAttempts counts updater calls by kind and outcome.
	PropagationAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insights_propagation_attempts_total",
			Help: "Propagation attempts by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// PropagationDuration tracks updater call latency.
	PropagationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "insights_propagation_seconds",
			Help:    "Updater call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// StuckInsights counts insights that exhausted their retries.
	StuckInsights = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insights_stuck_total",
			Help: "Insights flagged stuck after exhausting apply retries",
		},
		[]string{"kind"},
	)

	// ActiveWorkers is the number of propagation workers currently running.
	ActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "insights_propagation_workers",
			Help: "Running propagation workers",
		},
	)

	// UpdaterBreakerState reports the circuit breaker state (0 closed, 1 half-open, 2 open).
	UpdaterBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "insights_updater_breaker_state",
			Help: "Updater circuit breaker state: 0 closed, 1 half-open, 2 open",
		},
	)

	// HTTPRequests counts API requests by method, route pattern and status.
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insights_http_requests_total",
			Help: "HTTP requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPRequestDuration tracks API latency by route pattern.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "insights_http_request_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)
