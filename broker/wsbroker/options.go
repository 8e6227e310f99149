package wsbroker

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/capmesh/broker"
	"github.com/c360/capmesh/metric"
	"github.com/c360/capmesh/pkg/retry"
)

// Option is a functional option for configuring the Client
type Option func(*Client) error

type adapterMetrics struct {
	connected  prometheus.Gauge
	reconnects prometheus.Counter
}

// WithLogger sets a custom logger for the client
func WithLogger(logger broker.Logger) Option {
	return func(c *Client) error {
		if logger == nil {
			logger = &broker.DefaultLogger{Prefix: "WS"}
		}
		c.logger = logger
		return nil
	}
}

// WithHandshakeTimeout sets the WebSocket handshake timeout
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Client) error {
		c.dialer = &websocket.Dialer{HandshakeTimeout: d}
		return nil
	}
}

// WithRetryConfig overrides the reconnect backoff policy
func WithRetryConfig(cfg retry.Config) Option {
	return func(c *Client) error {
		c.retryConfig = cfg
		return nil
	}
}

// WithSendQueueDepth sets the outbound frame queue depth
func WithSendQueueDepth(depth int) Option {
	return func(c *Client) error {
		if depth < 1 {
			depth = defaultSendDepth
		}
		c.sendDepth = depth
		return nil
	}
}

// WithRequestHeader sets HTTP headers sent during the handshake, for relay
// authentication tokens and the like.
func WithRequestHeader(hdr http.Header) Option {
	return func(c *Client) error {
		c.requestHdr = hdr
		return nil
	}
}

// WithPingInterval sets the keepalive ping interval
func WithPingInterval(d time.Duration) Option {
	return func(c *Client) error {
		if d > 0 {
			c.pingInterval = d
		}
		return nil
	}
}

// WithMetrics wires the adapter's connection gauge and reconnect counter
// into the shared metrics set.
func WithMetrics(m *metric.Metrics) Option {
	return func(c *Client) error {
		if m == nil {
			return nil
		}
		c.metrics = &adapterMetrics{
			connected:  m.BrokerConnected.WithLabelValues(adapterName),
			reconnects: m.BrokerReconnects.WithLabelValues(adapterName),
		}
		return nil
	}
}
