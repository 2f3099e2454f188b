package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for sessions and the key server.
// A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionTransitions *prometheus.CounterVec
	SessionsActive     prometheus.Gauge

	// Channel metrics
	InboundEvents   *prometheus.CounterVec
	MalformedEvents prometheus.Counter

	// Tool metrics
	ToolDispatches *prometheus.CounterVec

	// Key server metrics
	KeyRequests *prometheus.CounterVec
}

// New creates a Metrics instance on its own registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "vai_rtc"
	}

	registry := prometheus.NewRegistry()

	sessionTransitions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Total number of session state transitions",
		},
		[]string{"from", "to"},
	)

	sessionsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions in the Active state",
		},
	)

	inboundEvents := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_events_total",
			Help:      "Total inbound channel events by classified type",
		},
		[]string{"type"},
	)

	malformedEvents := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_events_total",
			Help:      "Total inbound channel messages dropped as malformed",
		},
	)

	toolDispatches := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_dispatch_total",
			Help:      "Total tool dispatches by outcome",
		},
		[]string{"tool", "outcome"},
	)

	keyRequests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_requests_total",
			Help:      "Total credential issuing requests by response status",
		},
		[]string{"status"},
	)

	registry.MustRegister(
		sessionTransitions,
		sessionsActive,
		inboundEvents,
		malformedEvents,
		toolDispatches,
		keyRequests,
	)

	return &Metrics{
		registry:           registry,
		SessionTransitions: sessionTransitions,
		SessionsActive:     sessionsActive,
		InboundEvents:      inboundEvents,
		MalformedEvents:    malformedEvents,
		ToolDispatches:     toolDispatches,
		KeyRequests:        keyRequests,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordTransition records a state change and keeps the active gauge in step.
func (m *Metrics) RecordTransition(from, to, active string) {
	if m == nil {
		return
	}
	m.SessionTransitions.WithLabelValues(from, to).Inc()
	switch {
	case to == active && from != active:
		m.SessionsActive.Inc()
	case from == active && to != active:
		m.SessionsActive.Dec()
	}
}

// RecordInbound records one classified inbound event.
func (m *Metrics) RecordInbound(eventType string) {
	if m == nil {
		return
	}
	m.InboundEvents.WithLabelValues(eventType).Inc()
}

// RecordMalformed records one dropped inbound message.
func (m *Metrics) RecordMalformed() {
	if m == nil {
		return
	}
	m.MalformedEvents.Inc()
}

// RecordToolDispatch records a dispatch outcome.
func (m *Metrics) RecordToolDispatch(tool, outcome string) {
	if m == nil {
		return
	}
	m.ToolDispatches.WithLabelValues(tool, outcome).Inc()
}

// RecordKeyRequest records a key server response status.
func (m *Metrics) RecordKeyRequest(status int) {
	if m == nil {
		return
	}
	m.KeyRequests.WithLabelValues(strconv.Itoa(status)).Inc()
}
