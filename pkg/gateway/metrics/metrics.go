// Package metrics holds the Prometheus instrumentation for the voice
// gateway: session lifecycle, turn outcomes, barge-ins, and subsystem
// errors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration prometheus.Histogram

	// Turn metrics
	TurnsTotal   *prometheus.CounterVec
	TurnDuration *prometheus.HistogramVec

	// Interruption metrics
	BargeInsTotal prometheus.Counter

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Retry metrics
	RetriesTotal *prometheus.CounterVec
}

// New creates a Metrics instance with every metric registered on its own
// registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "voicegate"
	}

	registry := prometheus.NewRegistry()

	sessionsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of active voice sessions",
		},
	)

	sessionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of voice sessions",
		},
		[]string{"status"},
	)

	sessionDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Voice session duration in seconds",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)

	turnsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Total conversation turns by agent and outcome",
		},
		[]string{"agent", "outcome"},
	)

	turnDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Time from finalized utterance to completed response",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"agent"},
	)

	bargeInsTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "barge_ins_total",
			Help:      "Total caller interruptions of assistant speech",
		},
	)

	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total errors by type",
		},
		[]string{"error_type"},
	)

	retriesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Total retry attempts by subsystem",
		},
		[]string{"subsystem"},
	)

	registry.MustRegister(
		sessionsActive,
		sessionsTotal,
		sessionDuration,
		turnsTotal,
		turnDuration,
		bargeInsTotal,
		errorsTotal,
		retriesTotal,
	)

	return &Metrics{
		registry:        registry,
		SessionsActive:  sessionsActive,
		SessionsTotal:   sessionsTotal,
		SessionDuration: sessionDuration,
		TurnsTotal:      turnsTotal,
		TurnDuration:    turnDuration,
		BargeInsTotal:   bargeInsTotal,
		ErrorsTotal:     errorsTotal,
		RetriesTotal:    retriesTotal,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordSessionStart records a new session starting.
func (m *Metrics) RecordSessionStart() {
	m.SessionsActive.Inc()
}

// RecordSessionEnd records a session ending with its final status.
func (m *Metrics) RecordSessionEnd(status string, duration time.Duration) {
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(status).Inc()
	m.SessionDuration.Observe(duration.Seconds())
}

// RecordTurn records one completed, canceled, or failed conversation turn.
func (m *Metrics) RecordTurn(agent, outcome string, duration time.Duration) {
	m.TurnsTotal.WithLabelValues(agent, outcome).Inc()
	if outcome == "completed" {
		m.TurnDuration.WithLabelValues(agent).Observe(duration.Seconds())
	}
}

// RecordBargeIn records a caller interrupting assistant speech.
func (m *Metrics) RecordBargeIn() {
	m.BargeInsTotal.Inc()
}

// RecordError records one error by taxonomy type.
func (m *Metrics) RecordError(errorType string) {
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}

// RecordRetry records one retry attempt against a subsystem.
func (m *Metrics) RecordRetry(subsystem string) {
	m.RetriesTotal.WithLabelValues(subsystem).Inc()
}
