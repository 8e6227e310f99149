package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the core runtime metrics shared by the dispatch engine,
// broker adapters, correlation manager and event manager.
type Metrics struct {
	// Dispatch metrics
	EnvelopesReceived   *prometheus.CounterVec
	EnvelopesDispatched *prometheus.CounterVec
	EnvelopesPublished  *prometheus.CounterVec
	DispatchDuration    *prometheus.HistogramVec
	ErrorsTotal         *prometheus.CounterVec

	// Broker adapter metrics
	BrokerConnected  *prometheus.GaugeVec
	BrokerReconnects *prometheus.CounterVec

	// Correlation metrics
	PendingRequests prometheus.Gauge
	RequestTimeouts prometheus.Counter

	// Event manager metrics
	EventBacklogDepth prometheus.Gauge
	EventsEmitted     *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all core runtime metrics
func NewMetrics() *Metrics {
	return &Metrics{
		EnvelopesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "capmesh",
				Subsystem: "dispatch",
				Name:      "envelopes_received_total",
				Help:      "Total envelopes received from broker adapters",
			},
			[]string{"adapter"},
		),
		EnvelopesDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "capmesh",
				Subsystem: "dispatch",
				Name:      "envelopes_dispatched_total",
				Help:      "Total envelopes dispatched by terminal state (completed/failed)",
			},
			[]string{"operation", "state"},
		),
		EnvelopesPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "capmesh",
				Subsystem: "dispatch",
				Name:      "envelopes_published_total",
				Help:      "Total response and event envelopes published",
			},
			[]string{"adapter", "kind"},
		),
		DispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "capmesh",
				Subsystem: "dispatch",
				Name:      "duration_seconds",
				Help:      "Time from envelope receipt to terminal state",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 5.0},
			},
			[]string{"operation"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "capmesh",
				Subsystem: "dispatch",
				Name:      "errors_total",
				Help:      "Total dispatch errors by wire error code",
			},
			[]string{"code"},
		),
		BrokerConnected: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "capmesh",
				Subsystem: "broker",
				Name:      "connected",
				Help:      "Broker adapter connection state (1=connected, 0=disconnected)",
			},
			[]string{"adapter"},
		),
		BrokerReconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "capmesh",
				Subsystem: "broker",
				Name:      "reconnects_total",
				Help:      "Total broker adapter reconnections",
			},
			[]string{"adapter"},
		),
		PendingRequests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "capmesh",
				Subsystem: "correlation",
				Name:      "pending_requests",
				Help:      "Outbound requests currently awaiting a reply",
			},
		),
		RequestTimeouts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "capmesh",
				Subsystem: "correlation",
				Name:      "timeouts_total",
				Help:      "Total outbound requests resolved by timeout",
			},
		),
		EventBacklogDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "capmesh",
				Subsystem: "event",
				Name:      "backlog_depth",
				Help:      "Events buffered while the broker is disconnected",
			},
		),
		EventsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "capmesh",
				Subsystem: "event",
				Name:      "emitted_total",
				Help:      "Total events emitted by capability and outcome",
			},
			[]string{"capability", "outcome"},
		),
	}
}
