// Package correlation matches replies to outbound requests by message id
// and enforces request timeouts.
//
// Resolution is exactly-once: success, error reply, timeout and cancel race
// for each pending entry, the first wins, and the completion callback runs
// exactly once. Late replies are discarded and logged. Callbacks never run
// on a broker I/O goroutine, so two runtimes that call each other while
// handling each other's requests still complete.
package correlation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/capmesh/broker"
	"github.com/c360/capmesh/envelope"
	"github.com/c360/capmesh/errors"
	"github.com/c360/capmesh/metric"
)

// DefaultTimeout applies when Send is given a zero timeout.
const DefaultTimeout = 300 * time.Second

const defaultSweepInterval = time.Second

// Result delivers the outcome of a request: a reply envelope (which may
// carry has_error) or a local failure (timeout, cancel, publish error).
type Result struct {
	Envelope *envelope.Envelope
	Err      error
}

// Callback receives the request outcome. It runs on the configured
// executor, exactly once per request.
type Callback func(Result)

// Handle identifies a pending request for cancellation.
type Handle string

// Executor runs completion callbacks off the caller's goroutine. The
// dispatch worker pool satisfies this in production; tests substitute a
// synchronous one.
type Executor func(fn func()) error

type pending struct {
	callback Callback
	deadline time.Time
}

// Manager tracks pending outbound requests.
type Manager struct {
	adapter broker.Adapter
	exec    Executor
	logger  *slog.Logger
	metrics *metric.Metrics

	timeout       time.Duration
	sweepInterval time.Duration

	mu      sync.Mutex
	pending map[string]*pending

	done     chan struct{}
	stopOnce sync.Once
}

// Option configures a Manager.
type Option func(*Manager)

// WithDefaultTimeout overrides the 300s default request timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithSweepInterval overrides how often the timeout sweep runs.
func WithSweepInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.sweepInterval = d
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics wires the pending gauge and timeout counter.
func WithMetrics(metrics *metric.Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// NewManager creates a correlation manager publishing through the given
// adapter and running callbacks on exec.
func NewManager(adapter broker.Adapter, exec Executor, opts ...Option) *Manager {
	m := &Manager{
		adapter:       adapter,
		exec:          exec,
		logger:        slog.Default().With("component", "correlation"),
		timeout:       DefaultTimeout,
		sweepInterval: defaultSweepInterval,
		pending:       map[string]*pending{},
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	go m.sweepLoop()
	return m
}

// Stop ends the timeout sweep. Entries still pending fail with a timeout
// on their own deadlines only if Resolve is still being driven; callers
// should Cancel or drain before stopping.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.done) })
}

// Send registers the request and then publishes it. Registration happens
// strictly before the publish so a reply that arrives immediately still
// finds its pending entry. The returned handle cancels the request.
func (m *Manager) Send(ctx context.Context, req *envelope.Envelope, onComplete Callback, timeout time.Duration) (Handle, error) {
	if onComplete == nil {
		return "", errors.WrapInvalid(
			fmt.Errorf("completion callback is required"),
			"Manager", "Send", "callback validation")
	}
	// A self-addressed request would land on the sender's own requests
	// channel and match its own pending entry before any handler ran.
	if req.Headers.Destination == req.Headers.Source {
		return "", errors.WrapInvalid(
			fmt.Errorf("self-addressed request: destination %q is the sender", req.Headers.Destination),
			"Manager", "Send", "destination validation")
	}
	if timeout <= 0 {
		timeout = m.timeout
	}

	m.mu.Lock()
	if _, exists := m.pending[req.MessageID]; exists {
		m.mu.Unlock()
		return "", errors.WrapInvalid(
			fmt.Errorf("message id %q already pending", req.MessageID),
			"Manager", "Send", "duplicate request check")
	}
	m.pending[req.MessageID] = &pending{
		callback: onComplete,
		deadline: time.Now().Add(timeout),
	}
	m.mu.Unlock()
	m.setPendingGauge()

	data, err := req.Encode()
	if err != nil {
		m.take(req.MessageID)
		m.setPendingGauge()
		return "", err
	}
	topic := envelope.RequestTopic(req.Headers.Destination)
	if err := m.adapter.Publish(ctx, topic, data); err != nil {
		m.take(req.MessageID)
		m.setPendingGauge()
		return "", errors.Wrap(err, "Manager", "Send", "publish request")
	}
	return Handle(req.MessageID), nil
}

// Resolve completes the pending request matching a reply envelope. Returns
// false when no entry matches, which means the reply is late or foreign;
// such replies are logged and dropped.
func (m *Manager) Resolve(messageID string, reply *envelope.Envelope) bool {
	entry := m.take(messageID)
	if entry == nil {
		m.logger.Debug("discarding unmatched reply", "message_id", messageID)
		return false
	}
	m.setPendingGauge()
	m.complete(entry, Result{Envelope: reply})
	return true
}

// Fail completes the pending request matching messageID with a local
// error, without delivering a reply envelope. Returns false when no entry
// matches.
func (m *Manager) Fail(messageID string, cause error) bool {
	entry := m.take(messageID)
	if entry == nil {
		return false
	}
	m.setPendingGauge()
	m.complete(entry, Result{Err: cause})
	return true
}

// Cancel resolves a pending request locally with ErrCancelled, so callers
// can tell cancellation apart from a deadline timeout. Cancelling an
// already-resolved request is a no-op.
func (m *Manager) Cancel(h Handle) {
	entry := m.take(string(h))
	if entry == nil {
		return
	}
	m.setPendingGauge()
	m.complete(entry, Result{Err: errors.WrapTransient(
		fmt.Errorf("%w: cancelled before a reply arrived", errors.ErrCancelled),
		"Manager", "Cancel", "request cancellation")})
}

// Pending returns the number of requests awaiting replies.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// take atomically removes and returns a pending entry; only one caller can
// take a given entry, which is what makes resolution exactly-once.
func (m *Manager) take(messageID string) *pending {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := m.pending[messageID]
	if entry != nil {
		delete(m.pending, messageID)
	}
	return entry
}

func (m *Manager) complete(entry *pending, result Result) {
	run := func() { entry.callback(result) }
	if m.exec == nil {
		go run()
		return
	}
	if err := m.exec(run); err != nil {
		// Executor saturated or stopped; the callback still must run
		// exactly once, so fall back to a fresh goroutine.
		m.logger.Warn("executor rejected completion callback, running detached", "error", err)
		go run()
	}
}

// sweepLoop enforces deadlines on a timer, independent of worker load: a
// saturated pool cannot postpone a timeout.
func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case now := <-ticker.C:
			m.sweep(now)
		}
	}
}

func (m *Manager) sweep(now time.Time) {
	var expired []*pending

	m.mu.Lock()
	for id, entry := range m.pending {
		if now.After(entry.deadline) {
			delete(m.pending, id)
			expired = append(expired, entry)
		}
	}
	m.mu.Unlock()

	if len(expired) == 0 {
		return
	}
	m.setPendingGauge()

	for _, entry := range expired {
		if m.metrics != nil {
			m.metrics.RequestTimeouts.Inc()
		}
		m.complete(entry, Result{Err: errors.WrapTransient(
			fmt.Errorf("%w: no reply before deadline", errors.ErrTimeout),
			"Manager", "sweep", "request timeout")})
	}
}

func (m *Manager) setPendingGauge() {
	if m.metrics == nil {
		return
	}
	m.metrics.PendingRequests.Set(float64(m.Pending()))
}
