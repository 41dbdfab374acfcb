package mux

import (
	"github.com/prometheus/client_golang/prometheus"
)

type (
	// Metrics collected by a multiplexer. A nil *Metrics is valid and
	// records nothing.
	Metrics struct {
		FramesIn   *prometheus.CounterVec
		FramesOut  *prometheus.CounterVec
		Dropped    *prometheus.CounterVec
		Commands   *prometheus.CounterVec
		Sockets    prometheus.Gauge
		Reconnects prometheus.Counter
	}
)

const metricsNamespace = "peermux"

// NewMetrics creates the collectors and registers them on reg, when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_in_total",
			Help:      "Frames read from the relay connection",
		}, []string{"kind"}),
		FramesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_out_total",
			Help:      "Frames written to the relay connection",
		}, []string{"kind"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_dropped_total",
			Help:      "Frames discarded by the multiplexer",
		}, []string{"reason"}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "commands_in_total",
			Help:      "Control commands received from the relay",
		}, []string{"command"}),
		Sockets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sockets_active",
			Help:      "Virtual sockets in the address table",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connects_total",
			Help:      "Transports attached to the multiplexer",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.FramesIn, m.FramesOut, m.Dropped, m.Commands, m.Sockets, m.Reconnects)
	}
	return m
}

func (m *Metrics) frameIn(kind string) {
	if m != nil {
		m.FramesIn.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) frameOut(kind string) {
	if m != nil {
		m.FramesOut.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) drop(reason string) {
	if m != nil {
		m.Dropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) command(name string) {
	if m != nil {
		m.Commands.WithLabelValues(name).Inc()
	}
}

func (m *Metrics) socketOpened() {
	if m != nil {
		m.Sockets.Inc()
	}
}

func (m *Metrics) socketClosed() {
	if m != nil {
		m.Sockets.Dec()
	}
}

func (m *Metrics) connected() {
	if m != nil {
		m.Reconnects.Inc()
	}
}
