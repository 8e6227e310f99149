// Package event publishes capability events and survives broker outages
// with an ordered in-memory backlog.
//
// Emit validates every event against the capability's declared event
// schemas before anything touches the wire; an undeclared event is a
// programming error surfaced synchronously. While the broker is down,
// accepted records queue in emission order; on reconnect the backlog
// flushes in that order, rate limited, before new emits proceed.
package event

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/c360/capmesh/broker"
	"github.com/c360/capmesh/capability"
	"github.com/c360/capmesh/envelope"
	"github.com/c360/capmesh/errors"
	"github.com/c360/capmesh/metric"
	"github.com/c360/capmesh/pkg/buffer"
)

const (
	defaultBacklogCapacity = 4096
	defaultFlushRate       = rate.Limit(500) // records per second
	defaultFlushBurst      = 50
)

// Record is the wire payload of an event envelope: the emitted data plus a
// per-capability sequence number consumers use to dedupe and detect gaps.
type Record struct {
	Capability string          `json:"capability"`
	Sequence   uint64          `json:"sequence"`
	Data       json.RawMessage `json:"data"`
}

// Manager validates, sequences and publishes capability events.
type Manager struct {
	source   string
	registry *capability.Registry
	adapter  broker.Adapter
	logger   *slog.Logger
	metrics  *metric.Metrics

	limiter *rate.Limiter
	backlog *buffer.Ring[*envelope.Envelope]

	// mu serializes emits and flushes; a flush in progress holds the lock
	// so backlogged records hit the wire before anything emitted after
	// the reconnect.
	mu        sync.Mutex
	sequences map[string]uint64
}

// Option configures a Manager.
type Option func(*Manager)

// WithBacklogCapacity sets the disconnect backlog size.
func WithBacklogCapacity(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			ring, err := buffer.NewRing[*envelope.Envelope](n)
			if err == nil {
				m.backlog = ring
			}
		}
	}
}

// WithFlushRate bounds how fast the backlog replays after a reconnect.
func WithFlushRate(perSecond float64, burst int) Option {
	return func(m *Manager) {
		if perSecond > 0 && burst > 0 {
			m.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
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

// WithMetrics wires the backlog gauge and emit counters.
func WithMetrics(metrics *metric.Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// NewManager creates an event manager emitting from the given source
// hierarchy through the adapter.
func NewManager(source string, registry *capability.Registry, adapter broker.Adapter, opts ...Option) *Manager {
	m := &Manager{
		source:    source,
		registry:  registry,
		adapter:   adapter,
		logger:    slog.Default().With("component", "event"),
		limiter:   rate.NewLimiter(defaultFlushRate, defaultFlushBurst),
		sequences: map[string]uint64{},
	}
	m.backlog, _ = buffer.NewRing[*envelope.Envelope](defaultBacklogCapacity)

	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Emit validates and publishes one event. The declared-event check and the
// payload schema check both happen before sequencing, so a rejected emit
// consumes nothing. While the broker is disconnected the record joins the
// backlog; a full backlog rejects the emit with ErrBacklogFull.
func (m *Manager) Emit(ctx context.Context, capabilityName, eventName string, payload any) error {
	schema, err := m.registry.EventSchemaFor(capabilityName, eventName)
	if err != nil {
		m.countEmit(capabilityName, "rejected")
		return err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		m.countEmit(capabilityName, "rejected")
		return errors.WrapInvalid(
			fmt.Errorf("%w: %w", errors.ErrPayloadValidation, err),
			"Manager", "Emit", "payload encoding")
	}
	validated, err := capability.ValidatePayload(data, schema, false)
	if err != nil {
		m.countEmit(capabilityName, "rejected")
		return errors.Wrap(err, "Manager", "Emit", "event payload validation")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.sequences[capabilityName]++
	record, err := json.Marshal(Record{
		Capability: capabilityName,
		Sequence:   m.sequences[capabilityName],
		Data:       validated,
	})
	if err != nil {
		return errors.Wrap(err, "Manager", "Emit", "record encoding")
	}
	env := envelope.NewEvent(m.source, eventName, record)

	if !m.adapter.Connected() {
		return m.bufferLocked(env, capabilityName)
	}

	if err := m.publish(ctx, env); err != nil {
		if stderrors.Is(err, errors.ErrNotConnected) {
			return m.bufferLocked(env, capabilityName)
		}
		m.countEmit(capabilityName, "failed")
		return err
	}
	m.countEmit(capabilityName, "published")
	return nil
}

// bufferLocked appends to the backlog. Caller holds m.mu.
func (m *Manager) bufferLocked(env *envelope.Envelope, capabilityName string) error {
	if err := m.backlog.Write(env); err != nil {
		m.countEmit(capabilityName, "dropped")
		return errors.WrapTransient(
			fmt.Errorf("%w: event backlog at capacity", errors.ErrBacklogFull),
			"Manager", "Emit", "backlog write")
	}
	m.countEmit(capabilityName, "buffered")
	m.setBacklogGauge()
	return nil
}

// Flush replays the backlog in emission order. Call it from the adapter's
// reconnect callback. Emits arriving during the flush wait on the lock, so
// replayed records keep their place ahead of new ones. A record that fails
// to publish goes back to the front and the flush stops; the next
// reconnect retries it.
func (m *Manager) Flush(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	records := m.backlog.Drain()
	for i, env := range records {
		if err := m.limiter.Wait(ctx); err != nil {
			m.requeueLocked(records[i:])
			return errors.Wrap(err, "Manager", "Flush", "rate limit wait")
		}
		if err := m.publish(ctx, env); err != nil {
			m.requeueLocked(records[i:])
			return errors.Wrap(err, "Manager", "Flush", "backlog replay")
		}
	}
	if len(records) > 0 {
		m.logger.Info("event backlog flushed", "records", len(records))
	}
	m.setBacklogGauge()
	return nil
}

// requeueLocked puts unflushed records back in order. Caller holds m.mu.
func (m *Manager) requeueLocked(records []*envelope.Envelope) {
	for _, env := range records {
		if err := m.backlog.Write(env); err != nil {
			m.logger.Error("event record lost during requeue",
				"event", env.Headers.EventName)
		}
	}
	m.setBacklogGauge()
}

// BacklogDepth returns the number of records awaiting replay.
func (m *Manager) BacklogDepth() int {
	return m.backlog.Size()
}

// Sequence returns the last sequence number assigned for a capability.
func (m *Manager) Sequence(capabilityName string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sequences[capabilityName]
}

func (m *Manager) publish(ctx context.Context, env *envelope.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	topic := envelope.EventTopic(m.source)
	if err := m.adapter.Publish(ctx, topic, data); err != nil {
		return err
	}
	if m.metrics != nil {
		m.metrics.EnvelopesPublished.WithLabelValues(m.adapter.Name(), "event").Inc()
	}
	return nil
}

func (m *Manager) countEmit(capabilityName, outcome string) {
	if m.metrics != nil {
		m.metrics.EventsEmitted.WithLabelValues(capabilityName, outcome).Inc()
	}
}

func (m *Manager) setBacklogGauge() {
	if m.metrics != nil {
		m.metrics.EventBacklogDepth.Set(float64(m.backlog.Size()))
	}
}
