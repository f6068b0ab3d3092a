// Package promstats is the Prometheus-backed metrics adapter for the
// engine, following the same namespace-and-label shape as the teacher's
// graph/metrics.go PrometheusMetrics: gauges for live concurrency,
// histograms for latency, counters for retries and outcomes.
package promstats

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus counters/gauges/histograms for pipeline and
// graph execution. A nil *Metrics is safe to call methods on — every
// method is a no-op when m is nil — so engines can treat metrics as
// always-present and skip nil checks at call sites.
type Metrics struct {
	inflightRuns   prometheus.Gauge
	stepLatency    *prometheus.HistogramVec
	retriesTotal   *prometheus.CounterVec
	hookOutcomes   *prometheus.CounterVec
	routerDecision *prometheus.CounterVec
	pausesTotal    *prometheus.CounterVec
}

// New registers agentflow's metrics with registry (use
// prometheus.DefaultRegisterer for the global registry, or a fresh
// prometheus.NewRegistry() for test isolation).
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	f := promauto.With(registry)

	return &Metrics{
		inflightRuns: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentflow",
			Name:      "inflight_runs",
			Help:      "Number of pipeline/graph runs currently executing",
		}),
		stepLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agentflow",
			Name:      "step_latency_ms",
			Help:      "Step/node execution duration in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
		}, []string{"pipeline_id", "step_name", "status"}),
		retriesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentflow",
			Name:      "step_retries_total",
			Help:      "Cumulative step retry attempts",
		}, []string{"pipeline_id", "step_name"}),
		hookOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentflow",
			Name:      "hook_outcomes_total",
			Help:      "Hook handler outcomes by classification",
		}, []string{"hook_type", "outcome"}),
		routerDecision: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentflow",
			Name:      "router_decisions_total",
			Help:      "Routing decisions by match type and fallback status",
		}, []string{"match_type", "fallback"}),
		pausesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentflow",
			Name:      "pauses_total",
			Help:      "Pipeline/graph runs that paused awaiting human input",
		}, []string{"pipeline_id"}),
	}
}

func (m *Metrics) IncInflight() {
	if m == nil {
		return
	}
	m.inflightRuns.Inc()
}

func (m *Metrics) DecInflight() {
	if m == nil {
		return
	}
	m.inflightRuns.Dec()
}

func (m *Metrics) RecordStepLatency(pipelineID, stepName string, d time.Duration, status string) {
	if m == nil {
		return
	}
	m.stepLatency.WithLabelValues(pipelineID, stepName, status).Observe(float64(d.Milliseconds()))
}

func (m *Metrics) IncRetry(pipelineID, stepName string) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(pipelineID, stepName).Inc()
}

func (m *Metrics) IncHookOutcome(hookType, outcome string) {
	if m == nil {
		return
	}
	m.hookOutcomes.WithLabelValues(hookType, outcome).Inc()
}

func (m *Metrics) IncRouterDecision(matchType string, fallback bool) {
	if m == nil {
		return
	}
	m.routerDecision.WithLabelValues(matchType, boolLabel(fallback)).Inc()
}

func (m *Metrics) IncPause(pipelineID string) {
	if m == nil {
		return
	}
	m.pausesTotal.WithLabelValues(pipelineID).Inc()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
