// Package service assembles a runtime: a built capability registry, one or
// more broker adapters, the dispatch engine, the correlation manager and
// the event manager, under one lifecycle.
//
// Start connects every adapter, subscribes the runtime's requests channel,
// and announces itself with a lifecycle startup message carrying the
// capability schema document and a health snapshot. A periodic ticker
// republishes status; Stop announces shutdown before disconnecting.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/capmesh/blobstore"
	"github.com/c360/capmesh/broker"
	"github.com/c360/capmesh/capability"
	"github.com/c360/capmesh/correlation"
	"github.com/c360/capmesh/dispatch"
	"github.com/c360/capmesh/envelope"
	"github.com/c360/capmesh/errors"
	"github.com/c360/capmesh/event"
	"github.com/c360/capmesh/health"
	"github.com/c360/capmesh/metric"
)

// Status represents the runtime lifecycle state.
type Status int

// Possible runtime statuses.
const (
	StatusStopped Status = iota
	StatusStarting
	StatusRunning
	StatusStopping
)

// String returns the string representation of Status
func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Lifecycle event names published on the runtime's lifecycle channel.
const (
	LifecycleStartup  = "lifecycle.startup"
	LifecycleStatus   = "lifecycle.status"
	LifecycleShutdown = "lifecycle.shutdown"
)

// LifecycleMessage is the payload of lifecycle envelopes.
type LifecycleMessage struct {
	Hierarchy string `json:"hierarchy"`
	State     string `json:"state"`
	// Schema is the capability schema document, present on startup only.
	Schema *capability.Document `json:"schema,omitempty"`
	// Status is the aggregated health snapshot.
	Status health.Status `json:"status"`
}

const defaultStatusInterval = 30 * time.Second

// Runtime ties the messaging layers together under one lifecycle.
type Runtime struct {
	hierarchy string
	registry  *capability.Registry
	adapters  []broker.Adapter

	engine     *dispatch.Engine
	correlator *correlation.Manager
	events     *event.Manager
	monitor    *health.Monitor

	logger  *slog.Logger
	metrics *metric.Metrics
	blobs   blobstore.Store

	workers        int
	queueSize      int
	requestTimeout time.Duration
	statusInterval time.Duration
	backlogSize    int

	status atomic.Value // Status

	blockedMu sync.RWMutex
	blocked   map[string]struct{}

	done chan struct{}
	wg   sync.WaitGroup
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runtime) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics wires runtime metrics into every layer.
func WithMetrics(m *metric.Metrics) Option {
	return func(r *Runtime) { r.metrics = m }
}

// WithBlobStore enables external payload handling in dispatch.
func WithBlobStore(s blobstore.Store) Option {
	return func(r *Runtime) { r.blobs = s }
}

// WithWorkers sizes the dispatch worker pool.
func WithWorkers(workers, queueSize int) Option {
	return func(r *Runtime) {
		r.workers = workers
		r.queueSize = queueSize
	}
}

// WithRequestTimeout sets the default timeout for outbound calls.
func WithRequestTimeout(d time.Duration) Option {
	return func(r *Runtime) {
		if d > 0 {
			r.requestTimeout = d
		}
	}
}

// WithStatusInterval sets the period of lifecycle status publication.
// Zero disables the ticker.
func WithStatusInterval(d time.Duration) Option {
	return func(r *Runtime) { r.statusInterval = d }
}

// WithBacklogCapacity bounds the disconnected-event buffer.
func WithBacklogCapacity(n int) Option {
	return func(r *Runtime) {
		if n > 0 {
			r.backlogSize = n
		}
	}
}

// New assembles a runtime for the given hierarchy. The first adapter is
// the primary: outbound requests, events and lifecycle messages publish
// through it. Every adapter receives the inbound requests subscription.
func New(hierarchy string, registry *capability.Registry, adapters []broker.Adapter, opts ...Option) (*Runtime, error) {
	if err := envelope.ValidateHierarchy(hierarchy); err != nil {
		return nil, err
	}
	if registry == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("registry is required"),
			"Runtime", "New", "runtime assembly")
	}
	if len(adapters) == 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("at least one broker adapter is required"),
			"Runtime", "New", "runtime assembly")
	}

	r := &Runtime{
		hierarchy:      hierarchy,
		registry:       registry,
		adapters:       adapters,
		monitor:        health.NewMonitor(),
		logger:         slog.Default().With("component", "runtime", "hierarchy", hierarchy),
		requestTimeout: correlation.DefaultTimeout,
		statusInterval: defaultStatusInterval,
		blocked:        map[string]struct{}{},
		done:           make(chan struct{}),
	}
	r.status.Store(StatusStopped)
	for _, opt := range opts {
		opt(r)
	}

	primary := adapters[0]

	// Completion callbacks run on the dispatch pool; the closure defers the
	// engine dereference until the first completion.
	exec := func(fn func()) error {
		return r.engine.Submit(func(context.Context) { fn() })
	}
	r.correlator = correlation.NewManager(primary, exec,
		correlation.WithDefaultTimeout(r.requestTimeout),
		correlation.WithLogger(r.logger),
		correlation.WithMetrics(r.metrics))

	engineOpts := []dispatch.Option{
		dispatch.WithCorrelator(r.correlator),
		dispatch.WithGate(r.checkBlocked),
		dispatch.WithLogger(r.logger),
		dispatch.WithMetrics(r.metrics),
	}
	if r.blobs != nil {
		engineOpts = append(engineOpts, dispatch.WithBlobStore(r.blobs))
	}
	if r.workers > 0 {
		engineOpts = append(engineOpts, dispatch.WithWorkers(r.workers, r.queueSize))
	}
	r.engine = dispatch.New(hierarchy, registry, engineOpts...)

	eventOpts := []event.Option{
		event.WithLogger(r.logger),
		event.WithMetrics(r.metrics),
	}
	if r.backlogSize > 0 {
		eventOpts = append(eventOpts, event.WithBacklogCapacity(r.backlogSize))
	}
	r.events = event.NewManager(hierarchy, registry, primary, eventOpts...)

	return r, nil
}

// Status returns the current lifecycle state.
func (r *Runtime) Status() Status {
	return r.status.Load().(Status)
}

// Health returns the aggregated health snapshot.
func (r *Runtime) Health() health.Status {
	return r.monitor.Snapshot(r.hierarchy)
}

// Start connects the adapters, subscribes the requests channel and
// announces startup.
func (r *Runtime) Start(ctx context.Context) error {
	if !r.transition(StatusStopped, StatusStarting) {
		return errors.Wrap(errors.ErrAlreadyStarted, "Runtime", "Start", "lifecycle transition")
	}
	r.done = make(chan struct{})

	if err := r.engine.Start(ctx); err != nil {
		r.status.Store(StatusStopped)
		return errors.Wrap(err, "Runtime", "Start", "start dispatch pool")
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, adapter := range r.adapters {
		adapter := adapter
		g.Go(func() error {
			if err := adapter.Connect(gctx); err != nil {
				return errors.Wrap(err, "Runtime", "Start",
					fmt.Sprintf("connect %s", adapter.Name()))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		r.teardown(ctx)
		r.status.Store(StatusStopped)
		return err
	}

	requests := envelope.RequestTopic(r.hierarchy)
	for _, adapter := range r.adapters {
		if err := adapter.Subscribe(ctx, requests, r.engine.Handler(adapter)); err != nil {
			r.teardown(ctx)
			r.status.Store(StatusStopped)
			return errors.Wrap(err, "Runtime", "Start",
				fmt.Sprintf("subscribe requests on %s", adapter.Name()))
		}
		r.watchAdapter(adapter)
		r.monitor.UpdateHealthy("broker:"+adapter.Name(), "connected")
	}
	r.monitor.UpdateHealthy("dispatch", "worker pool running")
	r.monitor.UpdateHealthy("events", "no backlog")

	r.publishLifecycle(ctx, LifecycleStartup, true)
	if r.statusInterval > 0 {
		r.wg.Add(1)
		go r.statusLoop()
	}

	r.status.Store(StatusRunning)
	r.logger.Info("runtime started", "adapters", len(r.adapters))
	return nil
}

// Stop announces shutdown, flushes what it can and disconnects.
func (r *Runtime) Stop(ctx context.Context) error {
	if !r.transition(StatusRunning, StatusStopping) {
		return errors.Wrap(errors.ErrNotStarted, "Runtime", "Stop", "lifecycle transition")
	}

	r.publishLifecycle(ctx, LifecycleShutdown, false)

	close(r.done)
	r.wg.Wait()
	r.correlator.Stop()

	err := r.teardown(ctx)
	r.status.Store(StatusStopped)
	r.logger.Info("runtime stopped")
	return err
}

func (r *Runtime) teardown(ctx context.Context) error {
	if stopErr := r.engine.Stop(5 * time.Second); stopErr != nil {
		r.logger.Warn("dispatch pool did not drain", "error", stopErr)
	}

	var g errgroup.Group
	for _, adapter := range r.adapters {
		adapter := adapter
		g.Go(func() error {
			return adapter.Close(ctx)
		})
	}
	return g.Wait()
}

func (r *Runtime) transition(from, to Status) bool {
	return r.status.CompareAndSwap(from, to)
}

// Call sends a request to `<capability>.<operation>` on the destination
// runtime and waits for the reply. An error-flagged reply is returned as a
// wrapped error carrying the remote wire code.
func (r *Runtime) Call(ctx context.Context, destination, operation string, payload any, timeout time.Duration) (json.RawMessage, error) {
	results := make(chan correlation.Result, 1)
	handle, err := r.CallAsync(ctx, destination, operation, payload,
		func(res correlation.Result) { results <- res }, timeout)
	if err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		r.correlator.Cancel(handle)
		// The cancel completion drains through the callback; the context
		// error is the caller-facing cause.
		return nil, errors.WrapTransient(ctx.Err(), "Runtime", "Call", "await reply")
	case res := <-results:
		if res.Err != nil {
			return nil, res.Err
		}
		return replyPayload(res.Envelope)
	}
}

// CallAsync sends a request and invokes onComplete with the outcome. The
// returned handle cancels the pending request.
func (r *Runtime) CallAsync(ctx context.Context, destination, operation string, payload any, onComplete correlation.Callback, timeout time.Duration) (correlation.Handle, error) {
	if r.Status() != StatusRunning {
		return "", errors.Wrap(errors.ErrNotStarted, "Runtime", "CallAsync", "runtime state check")
	}
	if err := envelope.ValidateHierarchy(destination); err != nil {
		return "", err
	}
	if destination == r.hierarchy {
		return "", errors.WrapInvalid(
			fmt.Errorf("self-addressed request: %q is this runtime; invoke local operations directly", destination),
			"Runtime", "CallAsync", "destination validation")
	}
	if _, _, err := envelope.SplitOperation(operation); err != nil {
		return "", err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", errors.WrapInvalid(err, "Runtime", "CallAsync", "encode request payload")
	}

	req := envelope.NewRequest(r.hierarchy, destination, operation, data)
	return r.correlator.Send(ctx, req, onComplete, timeout)
}

// replyPayload unwraps a reply envelope, converting an error-flagged reply
// into an error.
func replyPayload(reply *envelope.Envelope) (json.RawMessage, error) {
	if !reply.Headers.HasError {
		return reply.Payload, nil
	}

	var ep envelope.ErrorPayload
	if err := json.Unmarshal(reply.Payload, &ep); err != nil {
		return nil, errors.WrapTransient(
			fmt.Errorf("remote error with undecodable payload"),
			"Runtime", "Call", "decode error reply")
	}
	return nil, errors.WrapTransient(
		fmt.Errorf("remote error %s: %s", ep.Code, ep.Message),
		"Runtime", "Call", "remote execution")
}

// Emit publishes a capability event through the event manager.
func (r *Runtime) Emit(ctx context.Context, capabilityName, eventName string, payload any) error {
	return r.events.Emit(ctx, capabilityName, eventName, payload)
}

// ListenEvents subscribes to another runtime's events channel and delivers
// each decoded event to handler on the dispatch worker pool. Undecodable
// frames are logged and dropped; events are one-way, so there is nothing
// to answer.
func (r *Runtime) ListenEvents(ctx context.Context, source string, handler event.Handler) error {
	if r.Status() != StatusRunning {
		return errors.Wrap(errors.ErrNotStarted, "Runtime", "ListenEvents", "runtime state check")
	}
	if handler == nil {
		return errors.WrapInvalid(
			fmt.Errorf("event handler is required"),
			"Runtime", "ListenEvents", "handler validation")
	}
	if err := envelope.ValidateHierarchy(source); err != nil {
		return err
	}

	primary := r.adapters[0]
	topic := envelope.EventTopic(source)
	return primary.Subscribe(ctx, topic, func(raw []byte) {
		if r.metrics != nil {
			r.metrics.EnvelopesReceived.WithLabelValues(primary.Name()).Inc()
		}
		err := r.engine.Submit(func(cctx context.Context) {
			ev, err := event.DecodeInbound(raw)
			if err != nil {
				r.logger.Warn("discarding undecodable event frame",
					"source", source, "error", err)
				return
			}
			handler(cctx, ev)
		})
		if err != nil {
			r.logger.Error("dispatch queue rejected event", "source", source, "error", err)
		}
	})
}

// ForbidOperations blocks the named `<capability>.<operation>` addresses.
// Blocked operations fail dispatch with an OperationBlocked reply.
func (r *Runtime) ForbidOperations(addresses ...string) {
	r.blockedMu.Lock()
	defer r.blockedMu.Unlock()
	for _, addr := range addresses {
		r.blocked[addr] = struct{}{}
	}
}

// AllowOperations unblocks previously forbidden addresses.
func (r *Runtime) AllowOperations(addresses ...string) {
	r.blockedMu.Lock()
	defer r.blockedMu.Unlock()
	for _, addr := range addresses {
		delete(r.blocked, addr)
	}
}

func (r *Runtime) checkBlocked(address string) error {
	r.blockedMu.RLock()
	_, blocked := r.blocked[address]
	r.blockedMu.RUnlock()
	if blocked {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrOperationBlocked, address),
			"Runtime", "checkBlocked", "operation gating")
	}
	return nil
}

// watchAdapter keeps the health monitor current and replays the event
// backlog when the primary adapter comes back.
func (r *Runtime) watchAdapter(adapter broker.Adapter) {
	name := "broker:" + adapter.Name()
	primary := adapter == r.adapters[0]

	adapter.OnDisconnect(func(err error) {
		detail := "connection lost"
		if err != nil {
			detail = err.Error()
		}
		r.monitor.UpdateDegraded(name, detail)
	})
	adapter.OnReconnect(func() {
		r.monitor.UpdateHealthy(name, "reconnected")
		if !primary {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := r.events.Flush(ctx); err != nil {
			r.logger.Warn("event backlog replay failed", "error", err)
			r.monitor.UpdateDegraded("events", "backlog replay incomplete")
			return
		}
		r.monitor.UpdateHealthy("events", "backlog drained")
	})
}

func (r *Runtime) statusLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			r.publishLifecycle(ctx, LifecycleStatus, false)
			cancel()
		}
	}
}

// publishLifecycle broadcasts a lifecycle message on the runtime's
// lifecycle channel. Failures are logged, never fatal: a runtime that
// cannot announce itself still serves requests.
func (r *Runtime) publishLifecycle(ctx context.Context, state string, includeSchema bool) {
	msg := LifecycleMessage{
		Hierarchy: r.hierarchy,
		State:     state,
		Status:    r.Health(),
	}
	if includeSchema {
		doc := r.registry.Schema()
		msg.Schema = &doc
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		r.logger.Error("failed to encode lifecycle message", "state", state, "error", err)
		return
	}

	env := envelope.NewEvent(r.hierarchy, state, payload)
	data, err := env.Encode()
	if err != nil {
		r.logger.Error("failed to encode lifecycle envelope", "state", state, "error", err)
		return
	}

	primary := r.adapters[0]
	topic := envelope.LifecycleTopic(r.hierarchy)
	if err := primary.Publish(ctx, topic, data); err != nil {
		r.logger.Warn("failed to publish lifecycle message", "state", state, "error", err)
		return
	}
	if r.metrics != nil {
		r.metrics.EnvelopesPublished.WithLabelValues(primary.Name(), "lifecycle").Inc()
	}
}
