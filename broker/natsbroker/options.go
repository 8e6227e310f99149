package natsbroker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/capmesh/broker"
	"github.com/c360/capmesh/metric"
)

// Option is a functional option for configuring the Client
type Option func(*Client) error

// adapterMetrics holds the per-adapter series carved out of the shared
// metrics set at construction, so the hot path never resolves labels.
type adapterMetrics struct {
	connected  prometheus.Gauge
	reconnects prometheus.Counter
}

// WithLogger sets a custom logger for the client
func WithLogger(logger broker.Logger) Option {
	return func(c *Client) error {
		if logger == nil {
			logger = &broker.DefaultLogger{Prefix: "NATS"}
		}
		c.logger = logger
		return nil
	}
}

// WithMaxReconnects sets the maximum number of reconnection attempts (-1 for infinite)
func WithMaxReconnects(max int) Option {
	return func(c *Client) error {
		c.maxReconnects = max
		return nil
	}
}

// WithReconnectWait sets the wait time between reconnection attempts
func WithReconnectWait(d time.Duration) Option {
	return func(c *Client) error {
		c.reconnectWait = d
		return nil
	}
}

// WithPingInterval sets the ping interval for connection health checks
func WithPingInterval(d time.Duration) Option {
	return func(c *Client) error {
		c.pingInterval = d
		return nil
	}
}

// WithHealthInterval sets the interval for health monitoring; zero disables
// the monitor.
func WithHealthInterval(d time.Duration) Option {
	return func(c *Client) error {
		c.healthInterval = d
		return nil
	}
}

// WithCircuitBreakerThreshold sets the number of failures before opening circuit
func WithCircuitBreakerThreshold(threshold int32) Option {
	return func(c *Client) error {
		if threshold < 1 {
			threshold = 5
		}
		c.circuitThreshold = threshold
		return nil
	}
}

// WithMaxBackoff sets the maximum backoff duration for circuit breaker
func WithMaxBackoff(d time.Duration) Option {
	return func(c *Client) error {
		if d < time.Second {
			d = time.Minute
		}
		c.maxBackoff = d
		return nil
	}
}

// WithCredentials sets username and password for authentication
func WithCredentials(username, password string) Option {
	return func(c *Client) error {
		c.username = username
		c.password = password
		return nil
	}
}

// WithToken sets a token for authentication
func WithToken(token string) Option {
	return func(c *Client) error {
		c.token = token
		return nil
	}
}

// WithTLS sets TLS certificate paths
func WithTLS(certFile, keyFile, caFile string) Option {
	return func(c *Client) error {
		c.tlsCertFile = certFile
		c.tlsKeyFile = keyFile
		c.tlsCAFile = caFile
		return nil
	}
}

// WithName sets the client name for identification
func WithName(name string) Option {
	return func(c *Client) error {
		c.clientName = name
		return nil
	}
}

// WithTimeout sets the connection timeout
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		c.timeout = d
		return nil
	}
}

// WithDrainTimeout sets the timeout for draining on disconnect
func WithDrainTimeout(d time.Duration) Option {
	return func(c *Client) error {
		c.drainTimeout = d
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
