// Package metrics: prometheus collectors for connections, frames,
// handshakes and requests. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "securetcp"

// Metrics groups the collectors for one process or one test.
type Metrics struct {
	framesSent     *prometheus.CounterVec
	framesReceived *prometheus.CounterVec
	handshakes     *prometheus.CounterVec
	disconnects    *prometheus.CounterVec
	requests       *prometheus.CounterVec
	active         *prometheus.GaugeVec
	gatherer       prometheus.Gatherer
}

// New creates collectors and registers them on reg. A nil reg gets a
// private registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frames",
			Name:      "sent_total",
			Help:      "Frames written, by type.",
		}, []string{"type"}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frames",
			Name:      "received_total",
			Help:      "Frames read, by type.",
		}, []string{"type"}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "handshake",
			Name:      "total",
			Help:      "Completed or failed key exchanges.",
		}, []string{"role", "result"}),
		disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "conn",
			Name:      "disconnects_total",
			Help:      "Connection teardowns, by reason.",
		}, []string{"reason"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "requests",
			Name:      "total",
			Help:      "Request/response round trips, by result.",
		}, []string{"result"}),
		active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "conn",
			Name:      "active",
			Help:      "Established connections.",
		}, []string{"role"}),
		gatherer: reg,
	}
	reg.MustRegister(m.framesSent, m.framesReceived, m.handshakes, m.disconnects, m.requests, m.active)
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) FrameSent(frameType string) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(frameType).Inc()
}

func (m *Metrics) FrameReceived(frameType string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(frameType).Inc()
}

// Handshake records one exchange; result is "ok" or a short failure label.
func (m *Metrics) Handshake(role, result string) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(role, result).Inc()
}

func (m *Metrics) Disconnect(reason string) {
	if m == nil {
		return
	}
	m.disconnects.WithLabelValues(reason).Inc()
}

func (m *Metrics) Request(result string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(result).Inc()
}

func (m *Metrics) ConnOpened(role string) {
	if m == nil {
		return
	}
	m.active.WithLabelValues(role).Inc()
}

func (m *Metrics) ConnClosed(role string) {
	if m == nil {
		return
	}
	m.active.WithLabelValues(role).Dec()
}
