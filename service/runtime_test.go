package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/capmesh/broker"
	"github.com/c360/capmesh/capability"
	"github.com/c360/capmesh/envelope"
	"github.com/c360/capmesh/errors"
	"github.com/c360/capmesh/event"
	"github.com/c360/capmesh/examples/counter"
)

// memBus is an in-memory broker shared by every runtime in a test. Publish
// delivers synchronously to all matching subscribers and records the frame.
type memBus struct {
	mu     sync.Mutex
	subs   map[string][]broker.Handler
	frames map[string][][]byte
}

func newMemBus() *memBus {
	return &memBus{
		subs:   map[string][]broker.Handler{},
		frames: map[string][][]byte{},
	}
}

func (b *memBus) Name() string                  { return "mem" }
func (b *memBus) Connect(context.Context) error { return nil }
func (b *memBus) Close(context.Context) error   { return nil }
func (b *memBus) Connected() bool               { return true }
func (b *memBus) OnDisconnect(func(error))      {}
func (b *memBus) OnReconnect(func())            {}

func (b *memBus) Subscribe(_ context.Context, topic string, handler broker.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], handler)
	return nil
}

func (b *memBus) Publish(_ context.Context, topic string, data []byte) error {
	b.mu.Lock()
	b.frames[topic] = append(b.frames[topic], data)
	handlers := append([]broker.Handler(nil), b.subs[topic]...)
	b.mu.Unlock()

	for _, h := range handlers {
		h(data)
	}
	return nil
}

func (b *memBus) topicFrames(topic string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.frames[topic]...)
}

type incrementRequest struct {
	Amount int `json:"amount"`
}

type incrementResponse struct {
	Value int `json:"value"`
}

func counterRegistry(t *testing.T) *capability.Registry {
	t.Helper()
	reg, err := capability.Build(&capability.Capability{
		Name:    "Counter",
		Version: "1.0.0",
		Operations: []capability.Operation{
			capability.NewOperation("increment",
				func(_ context.Context, req incrementRequest) (incrementResponse, error) {
					return incrementResponse{Value: req.Amount + 1}, nil
				},
				capability.WithEvents("tick")),
		},
		Events: map[string]*capability.Schema{
			"tick": capability.EventSchema[incrementResponse](),
		},
	})
	require.NoError(t, err)
	return reg
}

func startRuntime(t *testing.T, bus *memBus, hierarchy string, reg *capability.Registry, opts ...Option) *Runtime {
	t.Helper()
	opts = append([]Option{WithStatusInterval(0), WithWorkers(2, 64)}, opts...)
	rt, err := New(hierarchy, reg, []broker.Adapter{bus}, opts...)
	require.NoError(t, err)
	require.NoError(t, rt.Start(context.Background()))
	t.Cleanup(func() {
		if rt.Status() == StatusRunning {
			require.NoError(t, rt.Stop(context.Background()))
		}
	})
	return rt
}

func decodeLifecycle(t *testing.T, raw []byte) (string, LifecycleMessage) {
	t.Helper()
	env, err := envelope.Decode(raw)
	require.NoError(t, err)
	var msg LifecycleMessage
	require.NoError(t, json.Unmarshal(env.Payload, &msg))
	return env.Headers.EventName, msg
}

func TestRuntimeStartupAnnouncesSchema(t *testing.T) {
	bus := newMemBus()
	rt := startRuntime(t, bus, "org.alpha", counterRegistry(t))
	assert.Equal(t, StatusRunning, rt.Status())

	frames := bus.topicFrames("org/alpha/lifecycle")
	require.Len(t, frames, 1)
	state, msg := decodeLifecycle(t, frames[0])
	assert.Equal(t, LifecycleStartup, state)
	assert.Equal(t, "org.alpha", msg.Hierarchy)
	require.NotNil(t, msg.Schema)
	assert.Contains(t, msg.Schema.Capabilities, "Counter")
	assert.True(t, msg.Status.IsHealthy())

	err := rt.Start(context.Background())
	assert.ErrorIs(t, err, errors.ErrAlreadyStarted)
}

func TestRuntimeStopAnnouncesShutdown(t *testing.T) {
	bus := newMemBus()
	rt := startRuntime(t, bus, "org.alpha", counterRegistry(t))
	require.NoError(t, rt.Stop(context.Background()))
	assert.Equal(t, StatusStopped, rt.Status())

	frames := bus.topicFrames("org/alpha/lifecycle")
	require.Len(t, frames, 2)
	state, msg := decodeLifecycle(t, frames[1])
	assert.Equal(t, LifecycleShutdown, state)
	assert.Nil(t, msg.Schema)

	err := rt.Stop(context.Background())
	assert.ErrorIs(t, err, errors.ErrNotStarted)
}

func TestRuntimeCallRoundTrip(t *testing.T) {
	bus := newMemBus()
	startRuntime(t, bus, "org.beta", counterRegistry(t))
	alpha := startRuntime(t, bus, "org.alpha", counterRegistry(t))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reply, err := alpha.Call(ctx, "org.beta", "Counter.increment", incrementRequest{Amount: 41}, time.Minute)
	require.NoError(t, err)
	assert.JSONEq(t, `{"value":42}`, string(reply))
}

func TestRuntimeCallRemoteError(t *testing.T) {
	bus := newMemBus()
	startRuntime(t, bus, "org.beta", counterRegistry(t))
	alpha := startRuntime(t, bus, "org.alpha", counterRegistry(t))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := alpha.Call(ctx, "org.beta", "Counter.decrement", incrementRequest{}, time.Minute)
	require.Error(t, err)
	assert.Contains(t, err.Error(), errors.CodeUnknownOperation)
}

func TestRuntimeCallValidation(t *testing.T) {
	bus := newMemBus()
	alpha := startRuntime(t, bus, "org.alpha", counterRegistry(t))

	_, err := alpha.Call(context.Background(), "Bad.Dest", "Counter.increment", nil, time.Minute)
	assert.ErrorIs(t, err, errors.ErrMalformedEnvelope)

	_, err = alpha.Call(context.Background(), "org.beta", "no-dot", nil, time.Minute)
	assert.ErrorIs(t, err, errors.ErrUnknownOperation)
}

// A request addressed to the caller's own hierarchy would arrive back on
// its own requests channel and match its own pending entry, echoing the
// request payload as a fake reply. Such calls are refused outright.
func TestRuntimeCallRejectsSelfAddressed(t *testing.T) {
	bus := newMemBus()
	alpha := startRuntime(t, bus, "org.alpha", counterRegistry(t))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reply, err := alpha.Call(ctx, "org.alpha", "Counter.increment", incrementRequest{Amount: 41}, time.Minute)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "self-addressed")
	assert.Nil(t, reply)
	assert.Empty(t, bus.topicFrames("org/alpha/requests"))
}

func TestRuntimeOperationBlocking(t *testing.T) {
	bus := newMemBus()
	beta := startRuntime(t, bus, "org.beta", counterRegistry(t))
	alpha := startRuntime(t, bus, "org.alpha", counterRegistry(t))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	beta.ForbidOperations("Counter.increment")
	_, err := alpha.Call(ctx, "org.beta", "Counter.increment", incrementRequest{Amount: 1}, time.Minute)
	require.Error(t, err)
	assert.Contains(t, err.Error(), errors.CodeOperationBlocked)

	beta.AllowOperations("Counter.increment")
	reply, err := alpha.Call(ctx, "org.beta", "Counter.increment", incrementRequest{Amount: 1}, time.Minute)
	require.NoError(t, err)
	assert.JSONEq(t, `{"value":2}`, string(reply))
}

func TestRuntimeEmit(t *testing.T) {
	bus := newMemBus()
	alpha := startRuntime(t, bus, "org.alpha", counterRegistry(t))

	require.NoError(t, alpha.Emit(context.Background(), "Counter", "tick", incrementResponse{Value: 7}))

	frames := bus.topicFrames("org/alpha/events")
	require.Len(t, frames, 1)
	env, err := envelope.Decode(frames[0])
	require.NoError(t, err)
	assert.Equal(t, "tick", env.Headers.EventName)
}

func TestRuntimeListenEvents(t *testing.T) {
	bus := newMemBus()
	alpha := startRuntime(t, bus, "org.alpha", counterRegistry(t))
	beta := startRuntime(t, bus, "org.beta", counterRegistry(t))

	received := make(chan event.Inbound, 1)
	require.NoError(t, beta.ListenEvents(context.Background(), "org.alpha",
		func(_ context.Context, ev event.Inbound) { received <- ev }))

	require.NoError(t, alpha.Emit(context.Background(), "Counter", "tick", incrementResponse{Value: 7}))

	select {
	case ev := <-received:
		assert.Equal(t, "org.alpha", ev.Source)
		assert.Equal(t, "tick", ev.Name)
		assert.Equal(t, "Counter", ev.Record.Capability)
		assert.Equal(t, uint64(1), ev.Record.Sequence)
		assert.JSONEq(t, `{"value":7}`, string(ev.Record.Data))
	case <-time.After(5 * time.Second):
		t.Fatal("no event delivered")
	}
}

func TestRuntimeListenEventsValidation(t *testing.T) {
	bus := newMemBus()
	alpha := startRuntime(t, bus, "org.alpha", counterRegistry(t))

	handler := func(context.Context, event.Inbound) {}

	err := alpha.ListenEvents(context.Background(), "Bad.Source", handler)
	assert.ErrorIs(t, err, errors.ErrMalformedEnvelope)

	err = alpha.ListenEvents(context.Background(), "org.beta", nil)
	assert.Error(t, err)

	require.NoError(t, alpha.Stop(context.Background()))
	err = alpha.ListenEvents(context.Background(), "org.beta", handler)
	assert.ErrorIs(t, err, errors.ErrNotStarted)
}

// The demo Counter wired into a runtime: one increment call must produce
// both the incremented response and a tick event carrying the same value.
func TestRuntimeCounterIncrementEmitsTick(t *testing.T) {
	bus := newMemBus()

	demo := counter.New()
	reg, err := capability.Build(demo.Capability())
	require.NoError(t, err)

	alpha := startRuntime(t, bus, "org.alpha", reg)
	demo.BindEmitter(alpha)
	beta := startRuntime(t, bus, "org.beta", counterRegistry(t))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reply, err := beta.Call(ctx, "org.alpha", "Counter.increment", counter.IncrementRequest{Amount: 15}, time.Minute)
	require.NoError(t, err)
	assert.JSONEq(t, `{"value":15}`, string(reply))

	frames := bus.topicFrames("org/alpha/events")
	require.Len(t, frames, 1)
	ev, err := event.DecodeInbound(frames[0])
	require.NoError(t, err)
	assert.Equal(t, "tick", ev.Name)
	assert.Equal(t, "Counter", ev.Record.Capability)

	var tick counter.TickPayload
	require.NoError(t, json.Unmarshal(ev.Record.Data, &tick))
	assert.Equal(t, int64(15), tick.Value)
	assert.False(t, tick.At.IsZero())
}

// Two runtimes calling each other while each is handling the other's
// request must both complete: completion callbacks run on the dispatch
// pool, never on the broker delivery goroutine.
func TestRuntimeMutualCallsComplete(t *testing.T) {
	bus := newMemBus()

	var alpha, beta *Runtime

	alphaReg, err := capability.Build(&capability.Capability{
		Name: "Front",
		Operations: []capability.Operation{
			capability.NewOperation("outer",
				func(ctx context.Context, req incrementRequest) (incrementResponse, error) {
					reply, err := alpha.Call(ctx, "org.beta", "Back.inner", req, 5*time.Second)
					if err != nil {
						return incrementResponse{}, err
					}
					var resp incrementResponse
					if err := json.Unmarshal(reply, &resp); err != nil {
						return incrementResponse{}, err
					}
					resp.Value++
					return resp, nil
				}),
		},
	})
	require.NoError(t, err)

	betaReg, err := capability.Build(&capability.Capability{
		Name: "Back",
		Operations: []capability.Operation{
			capability.NewOperation("inner",
				func(_ context.Context, req incrementRequest) (incrementResponse, error) {
					return incrementResponse{Value: req.Amount * 10}, nil
				}),
		},
	})
	require.NoError(t, err)

	alpha = startRuntime(t, bus, "org.alpha", alphaReg)
	beta = startRuntime(t, bus, "org.beta", betaReg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	reply, err := beta.Call(ctx, "org.alpha", "Front.outer", incrementRequest{Amount: 4}, 5*time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"value":41}`, string(reply))
}

func TestRuntimeStatusTicker(t *testing.T) {
	bus := newMemBus()
	startRuntime(t, bus, "org.alpha", counterRegistry(t),
		WithStatusInterval(20*time.Millisecond))

	require.Eventually(t, func() bool {
		for _, raw := range bus.topicFrames("org/alpha/lifecycle") {
			env, err := envelope.Decode(raw)
			if err == nil && env.Headers.EventName == LifecycleStatus {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}
