// Package telemetry provides tracing and Prometheus metrics for the pipeline.
//
// Metrics cover the four shared resources of the execution fabric:
//   - credential rotations and upstream call outcomes
//   - admission decisions by outcome and tier
//   - result cache lookups by hit/miss
//   - stage durations and run outcomes
//
// All methods are nil-safe so components can run without metrics in tests.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "insight"

// Metrics holds all Prometheus collectors for the pipeline.
type Metrics struct {
	// UpstreamCallsTotal counts analysis calls by stage and outcome
	// (ok, quota, timeout, invalid, rejected, error).
	UpstreamCallsTotal *prometheus.CounterVec

	// RotationsTotal counts credential rotations by stage.
	RotationsTotal *prometheus.CounterVec

	// ExhaustedTotal counts calls that exhausted every credential.
	ExhaustedTotal *prometheus.CounterVec

	// AdmissionTotal counts admission decisions by outcome and tier.
	AdmissionTotal *prometheus.CounterVec

	// CacheLookupsTotal counts result cache lookups by result (hit, miss, error).
	CacheLookupsTotal *prometheus.CounterVec

	// StageDurationSeconds measures stage latency.
	StageDurationSeconds *prometheus.HistogramVec

	// RunsTotal counts pipeline runs by terminal status (complete, gated, error, cancelled).
	RunsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors on reg.
// Pass prometheus.NewRegistry() in tests to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		UpstreamCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "upstream",
				Name:      "calls_total",
				Help:      "Upstream analysis calls by stage and outcome",
			},
			[]string{"stage", "outcome"},
		),
		RotationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "upstream",
				Name:      "credential_rotations_total",
				Help:      "Credential rotations triggered by quota failures",
			},
			[]string{"stage"},
		),
		ExhaustedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "upstream",
				Name:      "exhausted_total",
				Help:      "Logical calls that found every credential quota-limited",
			},
			[]string{"stage"},
		),
		AdmissionTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "admission",
				Name:      "decisions_total",
				Help:      "Admission decisions by outcome and tier",
			},
			[]string{"outcome", "tier"},
		),
		CacheLookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "cache",
				Name:      "lookups_total",
				Help:      "Result cache lookups by result",
			},
			[]string{"result"},
		),
		StageDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "pipeline",
				Name:      "stage_duration_seconds",
				Help:      "Stage latency including rotation and backoff",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"stage"},
		),
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "pipeline",
				Name:      "runs_total",
				Help:      "Pipeline runs by terminal status",
			},
			[]string{"status"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.UpstreamCallsTotal,
			m.RotationsTotal,
			m.ExhaustedTotal,
			m.AdmissionTotal,
			m.CacheLookupsTotal,
			m.StageDurationSeconds,
			m.RunsTotal,
		)
	}
	return m
}

func (m *Metrics) RecordUpstreamCall(stage, outcome string) {
	if m == nil {
		return
	}
	m.UpstreamCallsTotal.WithLabelValues(stage, outcome).Inc()
}

func (m *Metrics) RecordRotation(stage string) {
	if m == nil {
		return
	}
	m.RotationsTotal.WithLabelValues(stage).Inc()
}

func (m *Metrics) RecordExhausted(stage string) {
	if m == nil {
		return
	}
	m.ExhaustedTotal.WithLabelValues(stage).Inc()
}

func (m *Metrics) RecordAdmission(outcome, tier string) {
	if m == nil {
		return
	}
	m.AdmissionTotal.WithLabelValues(outcome, tier).Inc()
}

func (m *Metrics) RecordCacheLookup(result string) {
	if m == nil {
		return
	}
	m.CacheLookupsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDurationSeconds.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) RecordRun(status string) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(status).Inc()
}
