// Package broker defines the uniform transport abstraction the runtime
// speaks through. An Adapter hides one broker protocol behind publish and
// subscribe on string topics; the dispatch and event layers never see
// transport types.
package broker

import "context"

// Handler receives raw inbound bytes for a subscribed topic. Handlers run
// on the adapter's I/O goroutine and must return promptly: decode nothing,
// block on nothing, hand the bytes off and return. Slow work belongs on the
// dispatch worker pool.
type Handler func(raw []byte)

// Adapter is a connection to one broker. Topics are '/'-separated paths;
// each adapter maps them onto its transport's addressing scheme.
//
// While disconnected, Publish fails fast with errors.ErrNotConnected rather
// than queueing; callers that need buffering (the event manager) layer it
// above the adapter.
type Adapter interface {
	// Name identifies the adapter in logs and metrics ("nats", "websocket").
	Name() string

	// Connect establishes the transport connection. It retries internally
	// per the adapter's reconnect policy until ctx is cancelled.
	Connect(ctx context.Context) error

	// Close drains and closes the connection. Safe to call more than once.
	Close(ctx context.Context) error

	// Connected reports whether the transport is currently usable.
	Connected() bool

	// Publish sends raw bytes to a topic.
	Publish(ctx context.Context, topic string, data []byte) error

	// Subscribe registers a handler for a topic. Subscriptions survive
	// reconnects: the adapter re-establishes them after a connection drop.
	Subscribe(ctx context.Context, topic string, fn Handler) error

	// OnDisconnect registers a callback invoked when the connection drops.
	// Runs on its own goroutine, never on the I/O loop.
	OnDisconnect(fn func(error))

	// OnReconnect registers a callback invoked after the connection and
	// its subscriptions are re-established.
	OnReconnect(fn func())
}
