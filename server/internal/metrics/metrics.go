package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ovos_bus"

// Reasons used on the rejection counters.
const (
	ReasonOversize  = "oversize"
	ReasonMalformed = "malformed"
	ReasonCapacity  = "capacity"
	ReasonPerIP     = "per_ip_limit"
	ReasonRate      = "rate_limit"
	ReasonUpgrade   = "upgrade_failed"
)

// Relay modes.
const (
	ModeBroadcast = "broadcast"
	ModeDirect    = "direct"
)

// Metrics holds the bus collectors.
type Metrics struct {
	ActiveConnections   prometheus.Gauge
	ConnectionsAccepted prometheus.Counter
	ConnectionsRejected *prometheus.CounterVec
	FramesReceived      prometheus.Counter
	FramesRejected      *prometheus.CounterVec
	MessagesRelayed     *prometheus.CounterVec
	Deliveries          prometheus.Counter
	DeliveryFailures    prometheus.Counter
	IdleDisconnects     prometheus.Counter
	TLSCertNotAfter     prometheus.Gauge
}

// NewRegistry creates a Prometheus registry with Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// New creates the bus collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of connections currently registered.",
		}),
		ConnectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Total WebSocket connections accepted.",
		}),
		ConnectionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "Total connection attempts rejected, by reason.",
		}, []string{"reason"}),
		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total inbound frames read from clients.",
		}),
		FramesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_rejected_total",
			Help:      "Total inbound frames rejected, by reason.",
		}, []string{"reason"}),
		MessagesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_relayed_total",
			Help:      "Total accepted messages, by routing mode.",
		}, []string{"mode"}),
		Deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Total frames enqueued to recipients.",
		}),
		DeliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Total deliveries that failed and dropped the recipient.",
		}),
		IdleDisconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idle_disconnects_total",
			Help:      "Total connections closed by the idle timeout.",
		}),
		TLSCertNotAfter: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tls_cert_not_after_timestamp_seconds",
			Help:      "Expiry of the served TLS certificate as a Unix timestamp, 0 without TLS.",
		}),
	}

	reg.MustRegister(
		m.ActiveConnections,
		m.ConnectionsAccepted,
		m.ConnectionsRejected,
		m.FramesReceived,
		m.FramesRejected,
		m.MessagesRelayed,
		m.Deliveries,
		m.DeliveryFailures,
		m.IdleDisconnects,
		m.TLSCertNotAfter,
	)
	return m
}

// Discard returns collectors registered on a throwaway registry.
func Discard() *Metrics {
	return New(prometheus.NewRegistry())
}

// Handler returns an http.Handler that serves the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
