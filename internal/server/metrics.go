package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Tyrowin/relay/internal/relay"
)

// Message outcomes recorded in relay_messages_total.
const (
	outcomeDelivered = "delivered"
	outcomeQueued    = "queued"
	outcomeRejected  = "rejected"
	outcomeFailed    = "failed"
)

// Metrics holds the relay's Prometheus collectors. Each instance owns its own
// registry so several hubs can run in one process. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry      *prometheus.Registry
	connections   prometheus.Gauge
	present       prometheus.Gauge
	messages      *prometheus.CounterVec
	flushed       prometheus.Counter
	registrations prometheus.Counter
}

// NewMetrics creates and registers the relay collectors plus the Go runtime
// and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_connections_active",
			Help: "Open websocket connections.",
		}),
		present: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_identities_present",
			Help: "Identities currently registered on a live connection.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_messages_total",
			Help: "Chat messages handled, by outcome.",
		}, []string{"outcome"}),
		flushed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_messages_flushed_total",
			Help: "Offline messages delivered on registration.",
		}),
		registrations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_registrations_total",
			Help: "Successful register_user events.",
		}),
	}

	m.registry.MustRegister(
		m.connections,
		m.present,
		m.messages,
		m.flushed,
		m.registrations,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) setConnections(n int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(n))
}

func (m *Metrics) setPresent(n int) {
	if m == nil {
		return
	}
	m.present.Set(float64(n))
}

func (m *Metrics) recordRegistration(flushed int) {
	if m == nil {
		return
	}
	m.registrations.Inc()
	m.flushed.Add(float64(flushed))
}

func (m *Metrics) recordDelivery(d relay.Delivery) {
	if m == nil {
		return
	}
	switch d {
	case relay.Delivered:
		m.messages.WithLabelValues(outcomeDelivered).Inc()
	case relay.Queued:
		m.messages.WithLabelValues(outcomeQueued).Inc()
	}
}

func (m *Metrics) recordRejected() {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(outcomeRejected).Inc()
}

func (m *Metrics) recordFailed() {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(outcomeFailed).Inc()
}
