// Package dispatch drives inbound envelopes through the pipeline
// RECEIVED, PARSED, ROUTED, VALIDATED, EXECUTING and into a terminal
// COMPLETED or FAILED state.
//
// The broker handler returned by Handler does nothing but hand the raw
// bytes to the worker pool; everything that can block or fail runs on a
// pool worker. A failing stage produces an error reply to the caller with
// a stable wire code, so remote callers always learn why a request died.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/c360/capmesh/blobstore"
	"github.com/c360/capmesh/broker"
	"github.com/c360/capmesh/capability"
	"github.com/c360/capmesh/correlation"
	"github.com/c360/capmesh/envelope"
	"github.com/c360/capmesh/errors"
	"github.com/c360/capmesh/metric"
	"github.com/c360/capmesh/pkg/worker"
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 1024

	// defaultExternalThreshold is the response size above which payloads
	// move to the blob store when one is configured.
	defaultExternalThreshold = 512 * 1024
)

// Gate decides whether an operation may execute right now. The service
// layer uses it for operation blocking; a nil gate allows everything.
type Gate func(address string) error

// Engine executes inbound requests against the registry.
type Engine struct {
	source     string
	registry   *capability.Registry
	correlator *correlation.Manager
	blobs      blobstore.Store
	gate       Gate
	logger     *slog.Logger
	metrics    *metric.Metrics

	workers           int
	queueSize         int
	externalThreshold int

	pool *worker.Pool[func(context.Context)]
}

// Option configures an Engine.
type Option func(*Engine)

// WithCorrelator routes reply envelopes to the correlation manager.
func WithCorrelator(m *correlation.Manager) Option {
	return func(e *Engine) { e.correlator = m }
}

// WithBlobStore resolves and externalizes payloads flagged external.
func WithBlobStore(s blobstore.Store) Option {
	return func(e *Engine) { e.blobs = s }
}

// WithGate installs the operation gate.
func WithGate(g Gate) Option {
	return func(e *Engine) { e.gate = g }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics wires the dispatch counters and histogram.
func WithMetrics(m *metric.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithWorkers sizes the handler pool. The pool must have at least two
// workers for runtimes that call each other while handling requests.
func WithWorkers(workers, queueSize int) Option {
	return func(e *Engine) {
		if workers > 0 {
			e.workers = workers
		}
		if queueSize > 0 {
			e.queueSize = queueSize
		}
	}
}

// WithExternalThreshold sets the response size, in bytes, above which
// payloads move to the blob store.
func WithExternalThreshold(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.externalThreshold = n
		}
	}
}

// New creates a dispatch engine for the runtime at the given source
// hierarchy.
func New(source string, registry *capability.Registry, opts ...Option) *Engine {
	e := &Engine{
		source:            source,
		registry:          registry,
		logger:            slog.Default().With("component", "dispatch"),
		workers:           defaultWorkers,
		queueSize:         defaultQueueSize,
		externalThreshold: defaultExternalThreshold,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.pool = worker.NewPool(e.workers, e.queueSize,
		func(ctx context.Context, fn func(context.Context)) error {
			fn(ctx)
			return nil
		})
	return e
}

// Start launches the worker pool.
func (e *Engine) Start(ctx context.Context) error {
	return e.pool.Start(ctx)
}

// Stop drains the worker pool.
func (e *Engine) Stop(timeout time.Duration) error {
	return e.pool.Stop(timeout)
}

// Submit runs fn on the dispatch pool. Non-blocking; a saturated queue
// returns worker.ErrQueueFull.
func (e *Engine) Submit(fn func(context.Context)) error {
	return e.pool.Submit(fn)
}

// Executor adapts the pool for correlation completion callbacks, keeping
// them off broker I/O goroutines.
func (e *Engine) Executor() correlation.Executor {
	return func(fn func()) error {
		return e.Submit(func(context.Context) { fn() })
	}
}

// Handler returns the broker callback for the runtime's requests topic.
// It hands raw bytes to the pool and returns; it never parses or blocks
// on the I/O goroutine.
func (e *Engine) Handler(adapter broker.Adapter) broker.Handler {
	return func(raw []byte) {
		if e.metrics != nil {
			e.metrics.EnvelopesReceived.WithLabelValues(adapter.Name()).Inc()
		}
		err := e.pool.Submit(func(ctx context.Context) {
			e.process(ctx, adapter, raw)
		})
		if err != nil {
			e.logger.Error("dispatch queue rejected envelope", "error", err)
			e.countError(errors.CodeInternal)
		}
	}
}

// process runs the full pipeline for one raw inbound frame.
func (e *Engine) process(ctx context.Context, adapter broker.Adapter, raw []byte) {
	started := time.Now()

	// PARSED
	env, err := envelope.Decode(raw)
	if err != nil {
		e.replyToMalformed(ctx, adapter, raw, err)
		return
	}

	// The version gate runs before reply resolution so an incompatible
	// reply never reaches its caller as a result.
	if err := envelope.CompatibleVersion(env.Headers.ProtocolVersion); err != nil {
		if e.correlator != nil && e.correlator.Fail(env.MessageID, err) {
			e.countError(errors.WireCode(err))
			return
		}
		e.fail(ctx, adapter, env, env.Operation, err, started)
		return
	}

	// Replies to our own outbound requests short-circuit into the
	// correlation manager; a matching pending entry is the discriminator.
	// Self-addressed requests are refused at Send, so an inbound envelope
	// matching a pending entry is always a reply.
	if e.correlator != nil && e.correlator.Resolve(env.MessageID, env) {
		return
	}

	if env.IsEvent() {
		// Events are one-way; they never traverse the request pipeline.
		e.logger.Debug("ignoring event envelope on requests channel",
			"event", env.Headers.EventName)
		return
	}

	// ROUTED
	op, err := e.registry.Lookup(env.Operation)
	if err != nil {
		e.fail(ctx, adapter, env, env.Operation, err, started)
		return
	}
	if e.gate != nil {
		if err := e.gate(env.Operation); err != nil {
			e.fail(ctx, adapter, env, env.Operation, err, started)
			return
		}
	}

	payload, err := e.resolvePayload(ctx, env)
	if err != nil {
		e.fail(ctx, adapter, env, env.Operation, err, started)
		return
	}

	// VALIDATED
	validated, err := capability.ValidatePayload(payload, op.Input, op.StrictValidation)
	if err != nil {
		e.fail(ctx, adapter, env, env.Operation, err, started)
		return
	}

	// EXECUTING
	result, err := e.invoke(ctx, op, validated)
	if err != nil {
		e.fail(ctx, adapter, env, env.Operation, err, started)
		return
	}

	// COMPLETED
	if err := e.respond(ctx, adapter, env, op, result); err != nil {
		e.logger.Error("failed to publish response",
			"operation", env.Operation, "error", err)
		e.observe(env.Operation, StateFailed, started)
		return
	}
	e.observe(env.Operation, StateCompleted, started)
}

// resolvePayload fetches externally stored payloads before validation.
func (e *Engine) resolvePayload(ctx context.Context, env *envelope.Envelope) (json.RawMessage, error) {
	if env.Headers.DataHandler != envelope.DataExternal {
		return env.Payload, nil
	}
	if e.blobs == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: external payload but no blob store configured",
				errors.ErrMalformedEnvelope),
			"Engine", "resolvePayload", "external payload resolution")
	}

	var key string
	if err := json.Unmarshal(env.Payload, &key); err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: external payload key is not a JSON string",
				errors.ErrMalformedEnvelope),
			"Engine", "resolvePayload", "external payload key parsing")
	}
	return e.blobs.Get(ctx, key)
}

// invoke runs the operation handler with panic recovery. A panicking
// handler fails its own request; it never takes down the worker.
func (e *Engine) invoke(ctx context.Context, op *capability.Operation, payload json.RawMessage) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("handler panic",
				"operation", op.Name, "panic", r, "stack", string(debug.Stack()))
			err = errors.Wrap(
				fmt.Errorf("%w: handler panic: %v", errors.ErrHandlerFailure, r),
				"Engine", "invoke", "handler execution")
		}
	}()

	result, err = op.Handler(ctx, payload)
	if err != nil {
		// Handlers may raise taxonomy errors directly; anything else is a
		// HandlerError on the wire.
		if errors.WireCode(err) == errors.CodeInternal {
			err = errors.Wrap(
				fmt.Errorf("%w: %w", errors.ErrHandlerFailure, err),
				"Engine", "invoke", "handler execution")
		}
		return nil, err
	}
	return result, nil
}

// respond publishes the success reply, externalizing oversized payloads.
func (e *Engine) respond(ctx context.Context, adapter broker.Adapter, req *envelope.Envelope, op *capability.Operation, result json.RawMessage) error {
	opts := []envelope.Option{envelope.WithContentType(op.ContentType)}
	payload := result

	if e.blobs != nil && len(result) > e.externalThreshold {
		key, err := e.blobs.Put(ctx, result)
		if err != nil {
			return errors.Wrap(err, "Engine", "respond", "externalize payload")
		}
		payload, _ = json.Marshal(key)
		opts = append(opts, envelope.WithDataHandler(envelope.DataExternal))
	}

	resp := envelope.NewResponse(req, payload, false, opts...)
	return e.publish(ctx, adapter, req, resp)
}

// fail publishes an error reply carrying the stable wire code and records
// the terminal FAILED state.
func (e *Engine) fail(ctx context.Context, adapter broker.Adapter, req *envelope.Envelope, operation string, cause error, started time.Time) {
	e.logger.Warn("dispatch failed",
		"operation", operation,
		"code", errors.WireCode(cause),
		"error", cause)
	e.countError(errors.WireCode(cause))

	resp := envelope.NewErrorResponse(req, cause)
	if err := e.publish(ctx, adapter, req, resp); err != nil {
		e.logger.Error("failed to publish error reply",
			"operation", operation, "error", err)
	}
	if operation == "" {
		operation = "unknown"
	}
	e.observe(operation, StateFailed, started)
}

// replyToMalformed makes a best-effort error reply to an envelope that
// failed validation: if a lax parse recovers a usable message id and
// source, the caller still learns the request died.
func (e *Engine) replyToMalformed(ctx context.Context, adapter broker.Adapter, raw []byte, cause error) {
	e.countError(errors.WireCode(cause))

	var partial envelope.Envelope
	if err := json.Unmarshal(raw, &partial); err != nil ||
		partial.MessageID == "" ||
		envelope.ValidateHierarchy(partial.Headers.Source) != nil {
		e.logger.Warn("discarding malformed envelope with no usable reply address",
			"error", cause)
		return
	}

	if partial.Headers.Destination == "" {
		partial.Headers.Destination = e.source
	}
	resp := envelope.NewErrorResponse(&partial, cause)
	if err := e.publish(ctx, adapter, &partial, resp); err != nil {
		e.logger.Warn("failed to publish malformed-envelope reply", "error", err)
	}
}

func (e *Engine) publish(ctx context.Context, adapter broker.Adapter, req *envelope.Envelope, resp *envelope.Envelope) error {
	data, err := resp.Encode()
	if err != nil {
		return err
	}
	topic := envelope.ReplyTopic(req.Headers.Source)
	if err := adapter.Publish(ctx, topic, data); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.EnvelopesPublished.WithLabelValues(adapter.Name(), "response").Inc()
	}
	return nil
}

func (e *Engine) observe(operation string, terminal State, started time.Time) {
	if e.metrics == nil {
		return
	}
	e.metrics.EnvelopesDispatched.WithLabelValues(operation, terminal.String()).Inc()
	e.metrics.DispatchDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}

func (e *Engine) countError(code string) {
	if e.metrics != nil {
		e.metrics.ErrorsTotal.WithLabelValues(code).Inc()
	}
}
