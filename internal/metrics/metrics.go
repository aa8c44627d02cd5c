// Package metrics holds the Prometheus collectors for the drafting workflow.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lexdraft"

// Outcome labels.
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeNotReady = "not_ready"
)

type Metrics struct {
	registry *prometheus.Registry

	autosave     *prometheus.CounterVec
	pollAttempts prometheus.Counter
	pollResults  *prometheus.CounterVec
	generation   *prometheus.HistogramVec
	assembly     *prometheus.CounterVec
	exports      *prometheus.CounterVec
	sessions     prometheus.Gauge
}

// New registers every collector on a private registry, plus the Go and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		autosave: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "autosave_total",
			Help:      "Field saves by outcome.",
		}, []string{"outcome"}),
		pollAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_attempts_total",
			Help:      "Autopopulation poll attempts.",
		}),
		pollResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_results_total",
			Help:      "Autopopulation poll loops by how they ended.",
		}, []string{"outcome"}),
		generation: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "section_generation_seconds",
			Help:      "Duration of section generate and refine calls.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 180, 300},
		}, []string{"op", "outcome"}),
		assembly: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assembly_total",
			Help:      "Assembly attempts by outcome.",
		}, []string{"outcome"}),
		exports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "export_total",
			Help:      "Exports by format and outcome.",
		}, []string{"format", "outcome"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_sessions",
			Help:      "Draft sessions currently open.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.autosave, m.pollAttempts, m.pollResults, m.generation, m.assembly, m.exports, m.sessions,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func outcome(err error) string {
	if err != nil {
		return OutcomeFailure
	}
	return OutcomeSuccess
}

// Autosave is an autosave.WithObserver callback.
func (m *Metrics) Autosave(err error) {
	m.autosave.WithLabelValues(outcome(err)).Inc()
}

// PollFinished records how a poll loop ended and how many attempts it made.
func (m *Metrics) PollFinished(result string, attempts int) {
	m.pollResults.WithLabelValues(result).Inc()
	m.pollAttempts.Add(float64(attempts))
}

// Generation is a sections.WithObserver callback.
func (m *Metrics) Generation(op string, err error, took time.Duration) {
	m.generation.WithLabelValues(op, outcome(err)).Observe(took.Seconds())
}

func (m *Metrics) Assembly(result string) {
	m.assembly.WithLabelValues(result).Inc()
}

func (m *Metrics) Export(format string, err error) {
	m.exports.WithLabelValues(format, outcome(err)).Inc()
}

func (m *Metrics) SessionOpened() {
	m.sessions.Inc()
}

func (m *Metrics) SessionClosed() {
	m.sessions.Dec()
}
