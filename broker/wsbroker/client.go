// Package wsbroker implements the broker adapter over a WebSocket relay.
// The relay speaks JSON frames: clients subscribe to topics and publish
// payloads, and the relay fans published frames out to subscribers.
//
// All writes go through a single writer goroutine; gorilla/websocket
// permits at most one concurrent writer per connection.
package wsbroker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/capmesh/broker"
	"github.com/c360/capmesh/errors"
	"github.com/c360/capmesh/pkg/retry"
)

// Frame is the JSON message exchanged with the relay.
type Frame struct {
	// Action is "subscribe", "unsubscribe" or "publish" on the client
	// side; inbound delivery frames carry no action.
	Action string `json:"action,omitempty"`
	// Topic the frame applies to.
	Topic string `json:"topic"`
	// Payload carries the published bytes. Envelopes are JSON, so the
	// payload embeds without re-encoding.
	Payload json.RawMessage `json:"payload,omitempty"`
}

const (
	adapterName      = "websocket"
	defaultSendDepth = 256
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = (pongWait * 9) / 10
)

// Client is the WebSocket relay adapter.
type Client struct {
	url    string
	logger broker.Logger

	dialer       *websocket.Dialer
	retryConfig  retry.Config
	sendDepth    int
	requestHdr   map[string][]string
	pingInterval time.Duration

	conn      *websocket.Conn
	send      chan []byte
	connected atomic.Bool
	closed    atomic.Bool
	done      chan struct{}

	handlers map[string]broker.Handler

	onDisconnect func(error)
	onReconnect  func()

	metrics *adapterMetrics

	mu      sync.RWMutex
	closeMu sync.Mutex
}

// New creates a WebSocket adapter for the given relay URL (ws:// or wss://).
func New(url string, opts ...Option) (*Client, error) {
	c := &Client{
		url:          url,
		logger:       &broker.DefaultLogger{Prefix: "WS"},
		dialer:       &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		retryConfig:  retry.Reconnect(),
		sendDepth:    defaultSendDepth,
		pingInterval: pingPeriod,
		handlers:     map[string]broker.Handler{},
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "New", "apply option")
		}
	}
	return c, nil
}

// Name identifies the adapter in logs and metrics.
func (c *Client) Name() string {
	return adapterName
}

// Connected reports whether the relay connection is currently usable.
func (c *Client) Connected() bool {
	return c.connected.Load()
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

// Connect dials the relay, retrying with backoff until ctx is cancelled,
// then keeps the connection alive in the background: on a drop it redials
// and replays all subscriptions.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return errors.WrapInvalid(
			fmt.Errorf("adapter is closed"), "Client", "Connect", "state check")
	}

	if err := c.dial(ctx); err != nil {
		return err
	}

	go c.reconnectLoop(ctx)
	return nil
}

func (c *Client) dial(ctx context.Context) error {
	err := retry.Do(ctx, c.retryConfig, func() error {
		conn, _, err := c.dialer.DialContext(ctx, c.url, c.requestHdr)
		if err != nil {
			c.logger.Errorf("Dial %s failed: %v", c.url, err)
			return err
		}

		c.mu.Lock()
		c.conn = conn
		c.send = make(chan []byte, c.sendDepth)
		c.mu.Unlock()

		c.connected.Store(true)
		c.setConnectedMetric(1)
		c.logger.Printf("Connected to relay at %s", c.url)

		go c.writeLoop(conn, c.send)
		go c.readLoop(conn)
		return nil
	})
	if err != nil {
		return errors.WrapTransient(err, "Client", "Connect", "dial relay")
	}
	return c.resubscribeAll()
}

// reconnectLoop redials whenever the live connection drops.
func (c *Client) reconnectLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-time.After(500 * time.Millisecond):
		}

		if c.connected.Load() || c.closed.Load() {
			continue
		}

		if err := c.dial(ctx); err != nil {
			continue
		}
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
}

// Close tears down the connection and stops the reconnect loop. Safe to
// call more than once.
func (c *Client) Close(_ context.Context) error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed.Swap(true) {
		return nil
	}
	close(c.done)

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(writeWait)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = conn.Close()
	}
	c.connected.Store(false)
	c.setConnectedMetric(0)
	return nil
}

// Publish sends a payload frame to a topic. Fails fast while disconnected.
func (c *Client) Publish(_ context.Context, topic string, data []byte) error {
	if !c.connected.Load() {
		return errors.WrapTransient(errors.ErrNotConnected, "Client", "Publish", "publish "+topic)
	}

	frame, err := json.Marshal(Frame{Action: "publish", Topic: topic, Payload: data})
	if err != nil {
		return errors.WrapInvalid(err, "Client", "Publish", "encode frame")
	}

	c.mu.RLock()
	send := c.send
	c.mu.RUnlock()

	select {
	case send <- frame:
		return nil
	default:
		return errors.WrapTransient(
			fmt.Errorf("%w: send queue full", errors.ErrNotConnected),
			"Client", "Publish", "enqueue frame")
	}
}

// Subscribe registers a handler for a topic and announces the subscription
// to the relay. Subscriptions are replayed after every reconnect.
func (c *Client) Subscribe(_ context.Context, topic string, fn broker.Handler) error {
	c.mu.Lock()
	if _, exists := c.handlers[topic]; exists {
		c.mu.Unlock()
		return errors.WrapInvalid(
			fmt.Errorf("topic %q already subscribed", topic),
			"Client", "Subscribe", "duplicate subscription check")
	}
	c.handlers[topic] = fn
	c.mu.Unlock()

	if !c.connected.Load() {
		// Announced on the next reconnect.
		return nil
	}
	return c.sendSubscribe(topic)
}

func (c *Client) sendSubscribe(topic string) error {
	frame, err := json.Marshal(Frame{Action: "subscribe", Topic: topic})
	if err != nil {
		return errors.WrapInvalid(err, "Client", "Subscribe", "encode frame")
	}

	c.mu.RLock()
	send := c.send
	c.mu.RUnlock()

	select {
	case send <- frame:
		return nil
	default:
		return errors.WrapTransient(
			fmt.Errorf("%w: send queue full", errors.ErrNotConnected),
			"Client", "Subscribe", "enqueue frame")
	}
}

func (c *Client) resubscribeAll() error {
	c.mu.RLock()
	topics := make([]string, 0, len(c.handlers))
	for topic := range c.handlers {
		topics = append(topics, topic)
	}
	c.mu.RUnlock()

	for _, topic := range topics {
		if err := c.sendSubscribe(topic); err != nil {
			return err
		}
	}
	return nil
}

// writeLoop is the single writer for one connection. It also owns the ping
// keepalive.
func (c *Client) writeLoop(conn *websocket.Conn, send chan []byte) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case frame, ok := <-send:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Errorf("Write failed: %v", err)
				c.dropConnection(conn, err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.dropConnection(conn, err)
				return
			}
		}
	}
}

// readLoop delivers inbound frames to topic handlers. Handlers must return
// promptly; anything slow is handed off by the subscriber.
func (c *Client) readLoop(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.dropConnection(conn, err)
			return
		}

		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.logger.Errorf("Discarding unparseable frame: %v", err)
			continue
		}

		c.mu.RLock()
		handler := c.handlers[frame.Topic]
		c.mu.RUnlock()
		if handler != nil {
			handler(frame.Payload)
		}
	}
}

// dropConnection marks the connection dead exactly once and notifies the
// disconnect callback; the reconnect loop picks it up from there.
func (c *Client) dropConnection(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	current := c.conn
	if current == conn {
		c.conn = nil
	}
	onDisconnect := c.onDisconnect
	c.mu.Unlock()

	if current != conn {
		return // already replaced
	}
	_ = conn.Close()

	if c.connected.Swap(false) && !c.closed.Load() {
		c.setConnectedMetric(0)
		c.logger.Errorf("Connection to relay lost: %v", cause)
		if onDisconnect != nil {
			go onDisconnect(cause)
		}
	}
}

func (c *Client) setConnectedMetric(v float64) {
	if c.metrics != nil {
		c.metrics.connected.Set(v)
	}
}
