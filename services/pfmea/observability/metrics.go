// Package observability provides Prometheus metrics for the PFMEA
// pipeline.
//
// # Description
//
// Metrics cover the model-call surface (count, latency, in-flight
// gauge) and candidate outcomes (finalized vs dropped, validation
// retries). They are exposed on /metrics and are the primary way to
// see how much of the analysis budget the validation loop consumes.
//
// # Thread Safety
//
// All operations are thread-safe via Prometheus's internal locking.
// All recording methods are nil-receiver safe so callers can run
// without metrics wired (tests, library use).
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace  = "pfmea"
	pipelineSubsystem = "pipeline"
)

// PipelineMetrics holds the Prometheus collectors for the analysis
// pipeline. Create one per registry via NewPipelineMetrics.
type PipelineMetrics struct {
	// ModelCallsTotal counts model calls by phase and status.
	// Labels: phase (analyze, rate, validate), status (ok, error)
	ModelCallsTotal *prometheus.CounterVec

	// ModelCallSeconds measures model-call latency by phase.
	ModelCallSeconds *prometheus.HistogramVec

	// InflightModelCalls gauges calls currently past the gate.
	InflightModelCalls prometheus.Gauge

	// CandidatesTotal counts candidate outcomes.
	// Labels: outcome (finalized, dropped, skipped)
	CandidatesTotal *prometheus.CounterVec

	// ValidationRetriesTotal counts correction-loop iterations.
	ValidationRetriesTotal prometheus.Counter
}

// NewPipelineMetrics creates and registers pipeline metrics on reg.
func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	factory := func(c prometheus.Collector) {
		reg.MustRegister(c)
	}

	m := &PipelineMetrics{
		ModelCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: pipelineSubsystem,
			Name:      "model_calls_total",
			Help:      "Model calls by pipeline phase and status.",
		}, []string{"phase", "status"}),
		ModelCallSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: pipelineSubsystem,
			Name:      "model_call_seconds",
			Help:      "Model call latency by pipeline phase.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"phase"}),
		InflightModelCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: pipelineSubsystem,
			Name:      "inflight_model_calls",
			Help:      "Model calls currently holding a gate slot.",
		}),
		CandidatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: pipelineSubsystem,
			Name:      "candidates_total",
			Help:      "Failure-mode candidate outcomes.",
		}, []string{"outcome"}),
		ValidationRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: pipelineSubsystem,
			Name:      "validation_retries_total",
			Help:      "Correction-loop iterations across all candidates.",
		}),
	}

	factory(m.ModelCallsTotal)
	factory(m.ModelCallSeconds)
	factory(m.InflightModelCalls)
	factory(m.CandidatesTotal)
	factory(m.ValidationRetriesTotal)
	return m
}

// RecordModelCall records one completed model call.
func (m *PipelineMetrics) RecordModelCall(phase, status string, seconds float64) {
	if m == nil {
		return
	}
	m.ModelCallsTotal.WithLabelValues(phase, status).Inc()
	m.ModelCallSeconds.WithLabelValues(phase).Observe(seconds)
}

// ModelCallStarted marks a call entering the gate-held section.
func (m *PipelineMetrics) ModelCallStarted() {
	if m == nil {
		return
	}
	m.InflightModelCalls.Inc()
}

// ModelCallFinished marks a call leaving the gate-held section.
func (m *PipelineMetrics) ModelCallFinished() {
	if m == nil {
		return
	}
	m.InflightModelCalls.Dec()
}

// RecordCandidate records a candidate outcome: "finalized", "dropped"
// or "skipped".
func (m *PipelineMetrics) RecordCandidate(outcome string) {
	if m == nil {
		return
	}
	m.CandidatesTotal.WithLabelValues(outcome).Inc()
}

// RecordValidationRetry counts one correction-loop iteration.
func (m *PipelineMetrics) RecordValidationRetry() {
	if m == nil {
		return
	}
	m.ValidationRetriesTotal.Inc()
}
