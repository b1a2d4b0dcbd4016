// Package metrics provides Prometheus metrics for the onboarding service (RED + workflow + dependencies).
// Scrapeable at /metrics; alerts and dashboards rely on these names.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "onboarding"

var (
	// HTTPRequestTotal counts requests by method, path, status (RED: rate).
	HTTPRequestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests by method, path, and status.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDurationSeconds is request latency histogram (RED: duration).
	HTTPRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2.5, 10),
		},
		[]string{"method", "path"},
	)

	// RequestTransitionsTotal counts onboarding request status changes.
	RequestTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_transitions_total",
			Help:      "Onboarding request status transitions.",
		},
		[]string{"from", "to"},
	)

	// StepDurationSeconds is the latency of a single workflow step including retries.
	StepDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Onboarding workflow step duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"step", "outcome"},
	)

	// StepRetriesTotal counts retried attempts after a transient failure.
	StepRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_retries_total",
			Help:      "Retries of workflow steps after transient infrastructure errors.",
		},
		[]string{"step"},
	)

	// AuditWriteFailuresTotal counts audit records that could not be made durable. Any increase pages.
	AuditWriteFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_write_failures_total",
			Help:      "Audit log writes that failed.",
		},
	)

	// LeaseOperationsTotal counts lease acquire/renew/release results per backend.
	LeaseOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_operations_total",
			Help:      "Per-team lease operations by backend, operation, and result.",
		},
		[]string{"backend", "op", "result"},
	)

	// StuckRequests is the number of non-terminal requests older than the configured threshold.
	StuckRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stuck_requests",
			Help:      "Non-terminal onboarding requests older than the stuck threshold.",
		},
	)

	// CircuitBreakerState is 0=closed, 1=open, 2=half-open.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "k8s_circuit_breaker_state",
			Help:      "Kubernetes API circuit breaker state (0=closed, 1=open, 2=half-open).",
		},
		[]string{"cluster"},
	)

	// CircuitBreakerTransitionsTotal counts breaker state changes.
	CircuitBreakerTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "k8s_circuit_breaker_transitions_total",
			Help:      "Kubernetes API circuit breaker state transitions.",
		},
		[]string{"cluster", "from", "to"},
	)

	// CircuitBreakerFailuresTotal counts retryable failures seen by the breaker.
	CircuitBreakerFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "k8s_circuit_breaker_failures_total",
			Help:      "Retryable Kubernetes API failures recorded by the circuit breaker.",
		},
		[]string{"cluster"},
	)

	// DBQueryDurationSeconds is repository query latency by operation.
	DBQueryDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_query_duration_seconds",
			Help:      "Database query duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"operation"},
	)
)
