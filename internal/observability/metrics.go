package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for the hot paths of the core:
// inbound messages, provider calls, tool dispatches, and scheduler
// evaluations. All metrics register on the default registry and are served
// at /metrics.
type Metrics struct {
	// MessagesTotal counts inbound messages by platform and outcome
	// (ok|error|budget_exceeded).
	MessagesTotal *prometheus.CounterVec

	// LoopIterations observes agent loop iterations per run.
	LoopIterations prometheus.Histogram

	// ProviderRequests counts provider calls by provider, model, and status
	// (success|error|fallback).
	ProviderRequests *prometheus.CounterVec

	// ProviderDuration measures provider call latency in seconds.
	ProviderDuration *prometheus.HistogramVec

	// TokensUsed counts tokens by provider, model, and type (input|output).
	TokensUsed *prometheus.CounterVec

	// ToolDispatches counts tool executions by module and status
	// (success|error|timeout).
	ToolDispatches *prometheus.CounterVec

	// ToolDuration measures tool execution latency in seconds by module.
	ToolDuration *prometheus.HistogramVec

	// JobEvaluations counts scheduler checks by job type and outcome
	// (met|not_met|failed|transient_error).
	JobEvaluations *prometheus.CounterVec

	// Notifications counts bus publishes by platform.
	Notifications *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics. Call once at startup.
func NewMetrics() *Metrics {
	return &Metrics{
		MessagesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "opal_messages_total",
			Help: "Inbound messages processed by the agent loop.",
		}, []string{"platform", "outcome"}),

		LoopIterations: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "opal_loop_iterations",
			Help:    "Agent loop iterations per run.",
			Buckets: []float64{1, 2, 3, 5, 8, 10},
		}),

		ProviderRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "opal_provider_requests_total",
			Help: "LLM provider requests.",
		}, []string{"provider", "model", "status"}),

		ProviderDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "opal_provider_duration_seconds",
			Help:    "LLM provider call latency.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),

		TokensUsed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "opal_tokens_total",
			Help: "Token consumption by provider and model.",
		}, []string{"provider", "model", "type"}),

		ToolDispatches: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "opal_tool_dispatches_total",
			Help: "Tool executions dispatched to modules.",
		}, []string{"module", "status"}),

		ToolDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "opal_tool_duration_seconds",
			Help:    "Tool execution latency by module.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
		}, []string{"module"}),

		JobEvaluations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "opal_job_evaluations_total",
			Help: "Scheduler job check evaluations.",
		}, []string{"job_type", "outcome"}),

		Notifications: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "opal_notifications_total",
			Help: "Notifications published to the bus.",
		}, []string{"platform"}),
	}
}
