// Package metrics holds the bridge's prometheus instruments.
//
// Every Metrics value owns a private registry so that several bridges (or
// tests) in one process never collide on registration. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sqlls"

// Outcome labels for RequestsTotal.
const (
	OutcomeOK             = "ok"
	OutcomeMethodNotFound = "method_not_found"
	OutcomeInternalError  = "internal_error"
	OutcomeDropped        = "dropped"
)

// Drop reasons for FramesDroppedTotal.
const (
	ReasonMalformed  = "malformed"
	ReasonUnexpected = "unexpected_response"
)

// Metrics groups the counters and gauges of one bridge.
type Metrics struct {
	registry *prometheus.Registry

	FramesReadTotal    prometheus.Counter
	FramesWrittenTotal prometheus.Counter
	FramesDroppedTotal *prometheus.CounterVec
	RequestsTotal      *prometheus.CounterVec
	RequestsInFlight   prometheus.Gauge
	NotificationsTotal *prometheus.CounterVec
	OutboxFrames       prometheus.Gauge
	DiagnosticsPushed  prometheus.Counter
	BridgeState        prometheus.Gauge
}

// New creates the instruments on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		FramesReadTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "frames_read_total",
			Help:      "Frames read from the host channel",
		}),
		FramesWrittenTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "frames_written_total",
			Help:      "Frames written to the host channel",
		}),
		FramesDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "frames_dropped_total",
			Help:      "Inbound frames dropped without dispatch, by reason",
		}, []string{"reason"}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "conn",
			Name:      "requests_total",
			Help:      "Requests dispatched, by method and outcome",
		}, []string{"method", "outcome"}),
		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "conn",
			Name:      "requests_in_flight",
			Help:      "Requests whose handler has not completed",
		}),
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "conn",
			Name:      "notifications_total",
			Help:      "Notifications forwarded, by method",
		}, []string{"method"}),
		OutboxFrames: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "conn",
			Name:      "outbox_frames",
			Help:      "Encoded frames waiting for the writer",
		}),
		DiagnosticsPushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "diagnostics_pushed_total",
			Help:      "Diagnostics batches relayed from the engine to the host",
		}),
		BridgeState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "state",
			Help:      "Bridge state: 0 bootstrapping, 1 listening, 2 closed",
		}),
	}

	m.registry.MustRegister(
		m.FramesReadTotal,
		m.FramesWrittenTotal,
		m.FramesDroppedTotal,
		m.RequestsTotal,
		m.RequestsInFlight,
		m.NotificationsTotal,
		m.OutboxFrames,
		m.DiagnosticsPushed,
		m.BridgeState,
	)

	return m
}

// Registry exposes the private registry, for tests and custom exporters.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) FrameRead() {
	if m == nil {
		return
	}
	m.FramesReadTotal.Inc()
}

func (m *Metrics) FrameWritten() {
	if m == nil {
		return
	}
	m.FramesWrittenTotal.Inc()
}

func (m *Metrics) FrameDropped(reason string) {
	if m == nil {
		return
	}
	m.FramesDroppedTotal.WithLabelValues(reason).Inc()
}

// RequestStarted returns the function that records the request's outcome.
func (m *Metrics) RequestStarted(method string) func(outcome string) {
	if m == nil {
		return func(string) {}
	}
	m.RequestsInFlight.Inc()
	return func(outcome string) {
		m.RequestsInFlight.Dec()
		m.RequestsTotal.WithLabelValues(method, outcome).Inc()
	}
}

func (m *Metrics) Notification(method string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(method).Inc()
}

func (m *Metrics) OutboxQueued() {
	if m == nil {
		return
	}
	m.OutboxFrames.Inc()
}

// OutboxRemoved removes n frames from the outbox gauge, whether they were
// written or dropped on close.
func (m *Metrics) OutboxRemoved(n int) {
	if m == nil || n == 0 {
		return
	}
	m.OutboxFrames.Sub(float64(n))
}

func (m *Metrics) DiagnosticsPush() {
	if m == nil {
		return
	}
	m.DiagnosticsPushed.Inc()
}

func (m *Metrics) SetState(state int) {
	if m == nil {
		return
	}
	m.BridgeState.Set(float64(state))
}
