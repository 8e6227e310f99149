// Package natsbroker implements the broker adapter over core NATS, with a
// circuit breaker guarding connection storms and health monitoring keeping
// the reported status honest.
package natsbroker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/capmesh/broker"
	"github.com/c360/capmesh/errors"
)

// ConnectionStatus represents the state of the NATS connection.
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

const adapterName = "nats"

// Client is the NATS broker adapter. Runtime topics use '/' separators;
// the client maps them onto NATS '.' subjects.
type Client struct {
	url    string
	status atomic.Value // stores ConnectionStatus
	logger broker.Logger

	conn *nats.Conn
	js   jetstream.JetStream
	subs map[string]*nats.Subscription

	// Circuit breaker
	failures         atomic.Int32
	circuitFailures  atomic.Int32
	circuitThreshold int32
	backoff          atomic.Value // stores time.Duration
	maxBackoff       time.Duration
	lastFailure      atomic.Value // stores time.Time

	// Connection options
	maxReconnects int
	reconnectWait time.Duration
	pingInterval  time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration

	// Authentication - cleared on close
	username string
	password string
	token    string

	// TLS
	tlsCertFile string
	tlsKeyFile  string
	tlsCAFile   string

	clientName string

	// Callbacks
	onDisconnect func(error)
	onReconnect  func()

	// Health monitoring
	healthInterval time.Duration
	healthDone     chan struct{}

	metrics *adapterMetrics

	mu      sync.RWMutex
	closeMu sync.Mutex
	closed  atomic.Bool
}

// New creates a NATS adapter for the given server URL.
func New(url string, opts ...Option) (*Client, error) {
	c := &Client{
		url:              url,
		logger:           &broker.DefaultLogger{Prefix: "NATS"},
		subs:             map[string]*nats.Subscription{},
		maxReconnects:    -1, // infinite by default
		reconnectWait:    2 * time.Second,
		pingInterval:     30 * time.Second,
		healthInterval:   10 * time.Second,
		circuitThreshold: 5,
		maxBackoff:       time.Minute,
		timeout:          5 * time.Second,
		drainTimeout:     30 * time.Second,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "New", "apply option")
		}
	}

	c.status.Store(StatusDisconnected)
	c.backoff.Store(time.Second)
	c.lastFailure.Store(time.Time{})
	return c, nil
}

// Name identifies the adapter in logs and metrics.
func (c *Client) Name() string {
	return adapterName
}

// URL returns the NATS server URL.
func (c *Client) URL() string {
	return c.url
}

// Status returns the current connection status.
func (c *Client) Status() ConnectionStatus {
	val := c.status.Load()
	if val == nil {
		return StatusDisconnected
	}
	return val.(ConnectionStatus)
}

// Connected reports whether the transport is currently usable.
func (c *Client) Connected() bool {
	return c.Status() == StatusConnected
}

// OnDisconnect registers the disconnect callback.
func (c *Client) OnDisconnect(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = fn
}

// OnReconnect registers the reconnect callback.
func (c *Client) OnReconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnect = fn
}

func (c *Client) setStatus(status ConnectionStatus) {
	c.status.Store(status)
	if c.metrics != nil {
		if status == StatusConnected {
			c.metrics.connected.Set(1)
		} else {
			c.metrics.connected.Set(0)
		}
	}
}

// subjectFor maps a '/'-separated runtime topic to a NATS subject.
func subjectFor(topic string) string {
	return strings.ReplaceAll(topic, "/", ".")
}

// recordFailure counts a transport failure and opens the circuit after the
// configured threshold, doubling the backoff each round.
func (c *Client) recordFailure() {
	c.failures.Add(1)
	c.lastFailure.Store(time.Now())

	if c.circuitFailures.Add(1) < c.circuitThreshold {
		return
	}

	current := c.Status()
	if current != StatusCircuitOpen {
		if !c.status.CompareAndSwap(current, StatusCircuitOpen) {
			return
		}
	}
	currentBackoff := c.backoff.Load().(time.Duration)
	next := currentBackoff * 2
	if next > c.maxBackoff {
		next = c.maxBackoff
	}
	c.backoff.Store(next)
	c.circuitFailures.Store(0)
	c.logger.Printf("Circuit breaker open, backing off for %v", currentBackoff)

	time.AfterFunc(currentBackoff, func() {
		if c.Status() == StatusCircuitOpen {
			c.setStatus(StatusDisconnected)
		}
	})
}

func (c *Client) resetCircuit() {
	c.failures.Store(0)
	c.circuitFailures.Store(0)
	c.backoff.Store(time.Second)
	c.lastFailure.Store(time.Time{})
	if c.Status() == StatusCircuitOpen {
		c.setStatus(StatusDisconnected)
	}
}

// Failures returns the total failure count since the last reset.
func (c *Client) Failures() int32 {
	return c.failures.Load()
}

func (c *Client) connectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.PingInterval(c.pingInterval),
		nats.Timeout(c.timeout),
		nats.DrainTimeout(c.drainTimeout),
		nats.DisconnectErrHandler(c.handleDisconnect),
		nats.ReconnectHandler(c.handleReconnect),
		nats.ClosedHandler(c.handleClosed),
		nats.ErrorHandler(c.handleError),
	}
	if c.username != "" && c.password != "" {
		opts = append(opts, nats.UserInfo(c.username, c.password))
	}
	if c.token != "" {
		opts = append(opts, nats.Token(c.token))
	}
	if c.tlsCertFile != "" && c.tlsKeyFile != "" {
		opts = append(opts, nats.ClientCert(c.tlsCertFile, c.tlsKeyFile))
	}
	if c.tlsCAFile != "" {
		opts = append(opts, nats.RootCAs(c.tlsCAFile))
	}
	if c.clientName != "" {
		opts = append(opts, nats.Name(c.clientName))
	}
	return opts
}

// Connect establishes the NATS connection.
func (c *Client) Connect(ctx context.Context) error {
	if c.Status() == StatusCircuitOpen {
		return errors.WrapTransient(errors.ErrNotConnected, "Client", "Connect", "circuit open")
	}

	c.setStatus(StatusConnecting)
	c.logger.Printf("Connecting to NATS at %s", c.url)

	connectDone := make(chan error, 1)
	go func() {
		conn, err := nats.Connect(c.url, c.connectionOptions()...)
		if err != nil {
			connectDone <- err
			return
		}
		js, err := jetstream.New(conn)
		if err != nil {
			conn.Close()
			connectDone <- err
			return
		}
		c.mu.Lock()
		c.conn = conn
		c.js = js
		c.mu.Unlock()
		connectDone <- nil
	}()

	select {
	case err := <-connectDone:
		if err != nil {
			c.recordFailure()
			if c.Status() != StatusCircuitOpen {
				c.setStatus(StatusDisconnected)
			}
			return errors.WrapTransient(err, "Client", "Connect", "establish connection")
		}
	case <-ctx.Done():
		c.recordFailure()
		if c.Status() != StatusCircuitOpen {
			c.setStatus(StatusDisconnected)
		}
		return errors.WrapTransient(ctx.Err(), "Client", "Connect", "connection cancelled")
	}

	c.setStatus(StatusConnected)
	c.resetCircuit()
	c.logger.Printf("Connected to NATS at %s", c.url)

	if c.healthInterval > 0 {
		c.startHealthMonitoring()
	}
	return nil
}

// Close drains subscriptions and closes the connection. Safe to call more
// than once.
func (c *Client) Close(ctx context.Context) error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed.Swap(true) {
		return nil
	}

	c.stopHealthMonitoring()

	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for topic, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, errors.Wrap(err, "Client", "Close", "unsubscribe "+topic))
		}
	}
	c.subs = map[string]*nats.Subscription{}

	if c.conn != nil {
		drainTimeout := c.drainTimeout
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining > 0 && remaining < drainTimeout {
				drainTimeout = remaining
			}
		}

		drainDone := make(chan error, 1)
		go func() { drainDone <- c.conn.Drain() }()
		select {
		case err := <-drainDone:
			if err != nil {
				errs = append(errs, errors.Wrap(err, "Client", "Close", "drain connection"))
			}
		case <-time.After(drainTimeout):
			errs = append(errs, errors.WrapTransient(
				fmt.Errorf("drain timeout after %v", drainTimeout),
				"Client", "Close", "drain timeout"))
		case <-ctx.Done():
			errs = append(errs, errors.Wrap(ctx.Err(), "Client", "Close", "drain cancelled"))
		}

		c.conn.Close()
		c.conn = nil
		c.js = nil
	}

	// Clear credentials
	c.username = ""
	c.password = ""
	c.token = ""

	c.setStatus(StatusDisconnected)

	if len(errs) > 0 {
		msg := "cleanup errors:"
		for i, err := range errs {
			msg += fmt.Sprintf("\n  [%d] %v", i+1, err)
		}
		return fmt.Errorf("%s", msg)
	}
	return nil
}

// Publish sends raw bytes to a topic. Fails fast while disconnected.
func (c *Client) Publish(_ context.Context, topic string, data []byte) error {
	if c.Status() == StatusCircuitOpen {
		return errors.WrapTransient(errors.ErrNotConnected, "Client", "Publish", "circuit open")
	}

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return errors.WrapTransient(errors.ErrNotConnected, "Client", "Publish", "publish "+topic)
	}
	if err := conn.Publish(subjectFor(topic), data); err != nil {
		c.recordFailure()
		return errors.WrapTransient(err, "Client", "Publish", "publish "+topic)
	}
	return nil
}

// Subscribe registers a handler for a topic. The handler runs on the NATS
// delivery goroutine and must hand off without blocking. Core NATS restores
// subscriptions itself after a reconnect.
func (c *Client) Subscribe(_ context.Context, topic string, fn broker.Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || !c.conn.IsConnected() {
		return errors.WrapTransient(errors.ErrNotConnected, "Client", "Subscribe", "subscribe "+topic)
	}
	if _, exists := c.subs[topic]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("topic %q already subscribed", topic),
			"Client", "Subscribe", "duplicate subscription check")
	}

	sub, err := c.conn.Subscribe(subjectFor(topic), func(msg *nats.Msg) {
		fn(msg.Data)
	})
	if err != nil {
		return errors.WrapTransient(err, "Client", "Subscribe", "subscribe "+topic)
	}
	c.subs[topic] = sub
	return nil
}

// JetStream returns the JetStream context for stream and object-store use.
func (c *Client) JetStream() (jetstream.JetStream, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.js == nil {
		return nil, errors.WrapTransient(errors.ErrNotConnected,
			"Client", "JetStream", "get JetStream context")
	}
	return c.js, nil
}

// RTT returns the round-trip time to the server.
func (c *Client) RTT() (time.Duration, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil || !conn.IsConnected() {
		return 0, errors.ErrNotConnected
	}
	return conn.RTT()
}

func (c *Client) handleDisconnect(_ *nats.Conn, err error) {
	c.setStatus(StatusReconnecting)
	c.logger.Errorf("Disconnected from NATS: %v", err)

	c.mu.RLock()
	onDisconnect := c.onDisconnect
	c.mu.RUnlock()
	if onDisconnect != nil {
		go onDisconnect(err)
	}
}

func (c *Client) handleReconnect(_ *nats.Conn) {
	c.setStatus(StatusConnected)
	c.resetCircuit()
	c.logger.Printf("Reconnected to NATS at %s", c.url)
	if c.metrics != nil {
		c.metrics.reconnects.Inc()
	}

	c.mu.RLock()
	onReconnect := c.onReconnect
	c.mu.RUnlock()
	if onReconnect != nil {
		go onReconnect()
	}
}

func (c *Client) handleClosed(_ *nats.Conn) {
	if !c.closed.Load() {
		c.setStatus(StatusDisconnected)
	}
}

func (c *Client) handleError(_ *nats.Conn, _ *nats.Subscription, err error) {
	c.logger.Errorf("NATS error: %v", err)
}

// startHealthMonitoring pings the connection periodically and corrects the
// reported status when the transport's own view disagrees.
func (c *Client) startHealthMonitoring() {
	c.stopHealthMonitoring()

	c.mu.Lock()
	c.healthDone = make(chan struct{})
	done := c.healthDone
	c.mu.Unlock()

	ticker := time.NewTicker(c.healthInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				c.mu.RLock()
				conn := c.conn
				c.mu.RUnlock()
				if conn == nil {
					continue
				}

				healthy := conn.IsConnected()
				if healthy {
					if _, err := conn.RTT(); err != nil {
						healthy = false
					}
				}
				if healthy && c.Status() != StatusConnected {
					c.setStatus(StatusConnected)
				} else if !healthy && c.Status() == StatusConnected {
					c.setStatus(StatusReconnecting)
				}
			}
		}
	}()
}

func (c *Client) stopHealthMonitoring() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.healthDone != nil {
		close(c.healthDone)
		c.healthDone = nil
	}
}
