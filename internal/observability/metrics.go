package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics aggregates the Prometheus instruments shared across the node.
type Metrics struct {
	registry *prometheus.Registry

	JobsProcessed  *prometheus.CounterVec
	JobDuration    *prometheus.HistogramVec
	LLMTokens      *prometheus.CounterVec
	GuardVerdicts  *prometheus.CounterVec
	RateLimitDrops *prometheus.CounterVec
	ProgressEvents *prometheus.CounterVec
}

// NewMetrics creates the shared metric set on a private registry so tests can
// construct it repeatedly without duplicate-registration panics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		JobsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scalyclaw_queue_jobs_total",
			Help: "Queue jobs by queue and outcome.",
		}, []string{"queue", "outcome"}),
		JobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scalyclaw_queue_job_duration_seconds",
			Help:    "Processing duration of queue jobs.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"queue"}),
		LLMTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scalyclaw_llm_tokens_total",
			Help: "LLM tokens by model, direction, and call type.",
		}, []string{"model", "direction", "type"}),
		GuardVerdicts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scalyclaw_guard_verdicts_total",
			Help: "Guard checks by kind and verdict.",
		}, []string{"kind", "verdict"}),
		RateLimitDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scalyclaw_rate_limit_drops_total",
			Help: "Inbound messages dropped by the per-channel rate limit.",
		}, []string{"channel"}),
		ProgressEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scalyclaw_progress_events_total",
			Help: "Progress fabric events by type.",
		}, []string{"type"}),
	}
}

// Registry exposes the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
