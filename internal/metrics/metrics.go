// Package metrics provides Prometheus metrics for the research pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the pipeline.
type Metrics struct {
	PhasesTotal       *prometheus.CounterVec
	PhaseDuration     *prometheus.HistogramVec
	StreamEventsTotal *prometheus.CounterVec
	CacheEvictions    prometheus.Counter
	ApprovalsTotal    *prometheus.CounterVec
	ErrorsTotal       *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		PhasesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prospector_phases_total",
				Help: "Total phase invocations by phase and terminal status.",
			},
			[]string{"phase", "status"},
		),
		PhaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "prospector_phase_duration_seconds",
				Help:    "Phase execution duration by phase.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"phase"},
		),
		StreamEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prospector_stream_events_total",
				Help: "Stream events processed by kind (progress, complete, error, malformed).",
			},
			[]string{"kind"},
		),
		CacheEvictions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "prospector_cache_evictions_total",
				Help: "Stage records evicted from the in-memory window.",
			},
		),
		ApprovalsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prospector_approvals_total",
				Help: "Approval gate decisions by stage and decision.",
			},
			[]string{"stage", "decision"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prospector_errors_total",
				Help: "Total errors by component and type.",
			},
			[]string{"component", "type"},
		),
		registry: reg,
	}

	reg.MustRegister(m.PhasesTotal)
	reg.MustRegister(m.PhaseDuration)
	reg.MustRegister(m.StreamEventsTotal)
	reg.MustRegister(m.CacheEvictions)
	reg.MustRegister(m.ApprovalsTotal)
	reg.MustRegister(m.ErrorsTotal)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordPhase increments the phase counter.
func (m *Metrics) RecordPhase(phase, status string) {
	m.PhasesTotal.WithLabelValues(phase, status).Inc()
}

// ObservePhaseDuration records a phase execution duration in seconds.
func (m *Metrics) ObservePhaseDuration(phase string, seconds float64) {
	m.PhaseDuration.WithLabelValues(phase).Observe(seconds)
}

// RecordStreamEvent increments the stream event counter.
func (m *Metrics) RecordStreamEvent(kind string) {
	m.StreamEventsTotal.WithLabelValues(kind).Inc()
}

// RecordEviction increments the cache eviction counter.
func (m *Metrics) RecordEviction() {
	m.CacheEvictions.Inc()
}

// RecordApproval increments the approval decision counter.
func (m *Metrics) RecordApproval(stage, decision string) {
	m.ApprovalsTotal.WithLabelValues(stage, decision).Inc()
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(component, errType string) {
	m.ErrorsTotal.WithLabelValues(component, errType).Inc()
}
