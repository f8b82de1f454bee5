package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	SessionsInitiated  *prometheus.CounterVec
	SessionsCompleted  *prometheus.CounterVec
	SessionsFailed     *prometheus.CounterVec
	ValidationFailures prometheus.Counter
	Transitions        *prometheus.CounterVec
	StepDuration       *prometheus.HistogramVec
	Compensations      prometheus.Counter
	RequestLatency     *prometheus.HistogramVec
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	return &Metrics{
		SessionsInitiated: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "enrolld_sessions_initiated_total",
			Help: "Registration sessions created, by flow",
		}, []string{"flow"}),
		SessionsCompleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "enrolld_sessions_completed_total",
			Help: "Registration sessions that reached COMPLETED, by flow",
		}, []string{"flow"}),
		SessionsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "enrolld_sessions_failed_total",
			Help: "Registration sessions that ended FAILED, by flow",
		}, []string{"flow"}),
		ValidationFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "enrolld_validation_failures_total",
			Help: "Validate calls that returned one or more violations",
		}),
		Transitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "enrolld_state_transitions_total",
			Help: "Applied state transitions, by target state",
		}, []string{"to"}),
		StepDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "enrolld_creation_step_duration_seconds",
			Help:    "Latency of entity creation steps",
			Buckets: prometheus.DefBuckets,
		}, []string{"entity", "outcome"}),
		Compensations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "enrolld_compensations_total",
			Help: "Compensation deletes issued during rollback",
		}),
		RequestLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "enrolld_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "status"}),
	}
}
