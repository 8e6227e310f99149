package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/capmesh/blobstore"
	"github.com/c360/capmesh/broker"
	"github.com/c360/capmesh/capability"
	"github.com/c360/capmesh/correlation"
	"github.com/c360/capmesh/envelope"
	"github.com/c360/capmesh/errors"
)

// memAdapter is an in-memory broker adapter that records published frames.
type memAdapter struct {
	mu        sync.Mutex
	topics    []string
	published [][]byte
}

func (a *memAdapter) Name() string                  { return "mem" }
func (a *memAdapter) Connect(context.Context) error { return nil }
func (a *memAdapter) Close(context.Context) error   { return nil }
func (a *memAdapter) Connected() bool               { return true }
func (a *memAdapter) OnDisconnect(func(error))      {}
func (a *memAdapter) OnReconnect(func())            {}

func (a *memAdapter) Subscribe(_ context.Context, _ string, _ broker.Handler) error {
	return nil
}

func (a *memAdapter) Publish(_ context.Context, topic string, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.topics = append(a.topics, topic)
	a.published = append(a.published, data)
	return nil
}

// replies decodes every published frame back into an envelope.
func (a *memAdapter) replies(t *testing.T) []*envelope.Envelope {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]*envelope.Envelope, 0, len(a.published))
	for _, raw := range a.published {
		env, err := envelope.Decode(raw)
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

func (a *memAdapter) publishedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.published)
}

type incrementRequest struct {
	Amount int `json:"amount"`
}

type incrementResponse struct {
	Value int `json:"value"`
}

func testRegistry(t *testing.T) *capability.Registry {
	t.Helper()

	counter := &capability.Capability{
		Name:    "Counter",
		Version: "1.0.0",
		Operations: []capability.Operation{
			capability.NewOperation("increment",
				func(_ context.Context, req incrementRequest) (incrementResponse, error) {
					return incrementResponse{Value: req.Amount + 1}, nil
				}),
			capability.NewOperation("strict-increment",
				func(_ context.Context, req incrementRequest) (incrementResponse, error) {
					return incrementResponse{Value: req.Amount + 1}, nil
				},
				capability.WithStrictValidation()),
			capability.NewOperation("fail",
				func(_ context.Context, _ incrementRequest) (incrementResponse, error) {
					return incrementResponse{}, fmt.Errorf("counter storage unavailable")
				}),
			capability.NewOperation("refuse",
				func(_ context.Context, _ incrementRequest) (incrementResponse, error) {
					return incrementResponse{}, errors.WrapTransient(
						fmt.Errorf("%w: flushing backlog", errors.ErrNotConnected),
						"Counter", "refuse", "increment")
				}),
			capability.NewOperation("explode",
				func(_ context.Context, _ incrementRequest) (incrementResponse, error) {
					panic("counter overflow")
				}),
			capability.NewQuery("dump",
				func(_ context.Context) (string, error) {
					return strings.Repeat("x", 64), nil
				}),
		},
	}

	reg, err := capability.Build(counter)
	require.NoError(t, err)
	return reg
}

func encodedRequest(t *testing.T, operation string, payload string, opts ...envelope.Option) (*envelope.Envelope, []byte) {
	t.Helper()
	req := envelope.NewRequest("org.caller", "org.node", operation, []byte(payload), opts...)
	raw, err := req.Encode()
	require.NoError(t, err)
	return req, raw
}

func errorCode(t *testing.T, reply *envelope.Envelope) string {
	t.Helper()
	require.True(t, reply.Headers.HasError)
	var ep envelope.ErrorPayload
	require.NoError(t, json.Unmarshal(reply.Payload, &ep))
	return ep.Code
}

func TestDispatchSuccess(t *testing.T) {
	adapter := &memAdapter{}
	e := New("org.node", testRegistry(t))

	req, raw := encodedRequest(t, "Counter.increment", `{"amount":2}`)
	e.process(context.Background(), adapter, raw)

	replies := adapter.replies(t)
	require.Len(t, replies, 1)
	reply := replies[0]

	assert.Equal(t, []string{"org/caller/requests"}, adapter.topics)
	assert.Equal(t, req.MessageID, reply.MessageID)
	assert.False(t, reply.Headers.HasError)
	assert.Equal(t, "org.node", reply.Headers.Source)
	assert.Equal(t, "org.caller", reply.Headers.Destination)
	assert.JSONEq(t, `{"value":3}`, string(reply.Payload))
}

func TestDispatchUnknownOperation(t *testing.T) {
	adapter := &memAdapter{}
	e := New("org.node", testRegistry(t))

	_, raw := encodedRequest(t, "Counter.decrement", `{}`)
	e.process(context.Background(), adapter, raw)

	replies := adapter.replies(t)
	require.Len(t, replies, 1)
	assert.Equal(t, errors.CodeUnknownOperation, errorCode(t, replies[0]))
}

func TestDispatchLenientCoercion(t *testing.T) {
	adapter := &memAdapter{}
	e := New("org.node", testRegistry(t))

	_, raw := encodedRequest(t, "Counter.increment", `{"amount":"4"}`)
	e.process(context.Background(), adapter, raw)

	replies := adapter.replies(t)
	require.Len(t, replies, 1)
	require.False(t, replies[0].Headers.HasError)
	assert.JSONEq(t, `{"value":5}`, string(replies[0].Payload))
}

func TestDispatchStrictValidationRejects(t *testing.T) {
	adapter := &memAdapter{}
	e := New("org.node", testRegistry(t))

	_, raw := encodedRequest(t, "Counter.strict-increment", `{"amount":"4"}`)
	e.process(context.Background(), adapter, raw)

	replies := adapter.replies(t)
	require.Len(t, replies, 1)
	assert.Equal(t, errors.CodePayloadValidation, errorCode(t, replies[0]))
}

func TestDispatchHandlerErrorWrapped(t *testing.T) {
	adapter := &memAdapter{}
	e := New("org.node", testRegistry(t))

	_, raw := encodedRequest(t, "Counter.fail", `{"amount":1}`)
	e.process(context.Background(), adapter, raw)

	replies := adapter.replies(t)
	require.Len(t, replies, 1)
	reply := replies[0]
	assert.Equal(t, errors.CodeHandlerError, errorCode(t, reply))

	var ep envelope.ErrorPayload
	require.NoError(t, json.Unmarshal(reply.Payload, &ep))
	assert.Contains(t, ep.Message, "counter storage unavailable")
}

func TestDispatchHandlerTaxonomyErrorPreserved(t *testing.T) {
	adapter := &memAdapter{}
	e := New("org.node", testRegistry(t))

	_, raw := encodedRequest(t, "Counter.refuse", `{"amount":1}`)
	e.process(context.Background(), adapter, raw)

	replies := adapter.replies(t)
	require.Len(t, replies, 1)
	assert.Equal(t, errors.CodeNotConnected, errorCode(t, replies[0]))
}

func TestDispatchHandlerPanicRecovered(t *testing.T) {
	adapter := &memAdapter{}
	e := New("org.node", testRegistry(t))

	_, raw := encodedRequest(t, "Counter.explode", `{"amount":1}`)
	e.process(context.Background(), adapter, raw)

	replies := adapter.replies(t)
	require.Len(t, replies, 1)
	assert.Equal(t, errors.CodeHandlerError, errorCode(t, replies[0]))

	// The worker survives; the next request still dispatches.
	_, raw = encodedRequest(t, "Counter.increment", `{"amount":0}`)
	e.process(context.Background(), adapter, raw)
	replies = adapter.replies(t)
	require.Len(t, replies, 2)
	assert.False(t, replies[1].Headers.HasError)
}

func TestDispatchVersionIncompatible(t *testing.T) {
	adapter := &memAdapter{}
	e := New("org.node", testRegistry(t))

	req := envelope.NewRequest("org.caller", "org.node", "Counter.increment", []byte(`{"amount":1}`))
	req.Headers.ProtocolVersion = "2.0.0"
	raw, err := req.Encode()
	require.NoError(t, err)

	e.process(context.Background(), adapter, raw)

	replies := adapter.replies(t)
	require.Len(t, replies, 1)
	assert.Equal(t, errors.CodeVersionIncompatible, errorCode(t, replies[0]))
}

func TestDispatchGateBlocks(t *testing.T) {
	adapter := &memAdapter{}
	e := New("org.node", testRegistry(t),
		WithGate(func(address string) error {
			return errors.WrapInvalid(
				fmt.Errorf("%w: %s", errors.ErrOperationBlocked, address),
				"Gate", "check", "operation gating")
		}))

	_, raw := encodedRequest(t, "Counter.increment", `{"amount":1}`)
	e.process(context.Background(), adapter, raw)

	replies := adapter.replies(t)
	require.Len(t, replies, 1)
	assert.Equal(t, errors.CodeOperationBlocked, errorCode(t, replies[0]))
}

func TestDispatchMalformedEnvelopeBestEffortReply(t *testing.T) {
	adapter := &memAdapter{}
	e := New("org.node", testRegistry(t))

	// Recoverable message id and source, but no protocol version.
	raw := []byte(`{"messageId":"abc-123","operationId":"Counter.increment","headers":{"source":"org.caller"}}`)
	e.process(context.Background(), adapter, raw)

	replies := adapter.replies(t)
	require.Len(t, replies, 1)
	reply := replies[0]
	assert.Equal(t, "abc-123", reply.MessageID)
	assert.Equal(t, "org.caller", reply.Headers.Destination)
	assert.Equal(t, errors.CodeMalformedEnvelope, errorCode(t, reply))
}

func TestDispatchMalformedEnvelopeWithoutReplyAddressDropped(t *testing.T) {
	adapter := &memAdapter{}
	e := New("org.node", testRegistry(t))

	e.process(context.Background(), adapter, []byte(`not json at all`))
	e.process(context.Background(), adapter, []byte(`{"headers":{"source":"org.caller"}}`))

	assert.Equal(t, 0, adapter.publishedCount())
}

func TestDispatchIgnoresEvents(t *testing.T) {
	adapter := &memAdapter{}
	e := New("org.node", testRegistry(t))

	event := envelope.NewEvent("org.peer", "tick", []byte(`{"n":1}`))
	raw, err := event.Encode()
	require.NoError(t, err)

	e.process(context.Background(), adapter, raw)
	assert.Equal(t, 0, adapter.publishedCount())
}

func TestDispatchExternalPayloadResolved(t *testing.T) {
	adapter := &memAdapter{}
	store := blobstore.NewMemory()

	key, err := store.Put(context.Background(), []byte(`{"amount":9}`))
	require.NoError(t, err)

	e := New("org.node", testRegistry(t), WithBlobStore(store))

	keyJSON, err := json.Marshal(key)
	require.NoError(t, err)
	_, raw := encodedRequest(t, "Counter.increment", string(keyJSON),
		envelope.WithDataHandler(envelope.DataExternal))
	e.process(context.Background(), adapter, raw)

	replies := adapter.replies(t)
	require.Len(t, replies, 1)
	require.False(t, replies[0].Headers.HasError)
	assert.JSONEq(t, `{"value":10}`, string(replies[0].Payload))
}

func TestDispatchExternalPayloadWithoutStoreFails(t *testing.T) {
	adapter := &memAdapter{}
	e := New("org.node", testRegistry(t))

	_, raw := encodedRequest(t, "Counter.increment", `"some-key"`,
		envelope.WithDataHandler(envelope.DataExternal))
	e.process(context.Background(), adapter, raw)

	replies := adapter.replies(t)
	require.Len(t, replies, 1)
	assert.Equal(t, errors.CodeMalformedEnvelope, errorCode(t, replies[0]))
}

func TestDispatchOversizedResponseExternalized(t *testing.T) {
	adapter := &memAdapter{}
	store := blobstore.NewMemory()
	e := New("org.node", testRegistry(t),
		WithBlobStore(store),
		WithExternalThreshold(16))

	_, raw := encodedRequest(t, "Counter.dump", ``)
	e.process(context.Background(), adapter, raw)

	replies := adapter.replies(t)
	require.Len(t, replies, 1)
	reply := replies[0]
	require.False(t, reply.Headers.HasError)
	assert.Equal(t, envelope.DataExternal, reply.Headers.DataHandler)

	var key string
	require.NoError(t, json.Unmarshal(reply.Payload, &key))
	stored, err := store.Get(context.Background(), key)
	require.NoError(t, err)

	var dumped string
	require.NoError(t, json.Unmarshal(stored, &dumped))
	assert.Equal(t, strings.Repeat("x", 64), dumped)
}

func TestDispatchRoutesRepliesToCorrelator(t *testing.T) {
	adapter := &memAdapter{}
	correlator := correlation.NewManager(adapter, func(fn func()) error {
		fn()
		return nil
	})
	defer correlator.Stop()

	e := New("org.node", testRegistry(t), WithCorrelator(correlator))

	outbound := envelope.NewRequest("org.node", "org.peer", "Remote.compute", []byte(`{}`))
	results := make(chan correlation.Result, 1)
	_, err := correlator.Send(context.Background(), outbound,
		func(r correlation.Result) { results <- r }, time.Minute)
	require.NoError(t, err)
	sent := adapter.publishedCount()

	reply := envelope.NewResponse(outbound, []byte(`{"answer":42}`), false)
	raw, err := reply.Encode()
	require.NoError(t, err)
	e.process(context.Background(), adapter, raw)

	result := <-results
	require.NoError(t, result.Err)
	assert.JSONEq(t, `{"answer":42}`, string(result.Envelope.Payload))

	// The reply short-circuits into correlation; dispatch publishes nothing.
	assert.Equal(t, sent, adapter.publishedCount())
}

// A reply from an incompatible protocol version must fail the caller's
// pending request, not be delivered as a result and not trigger an error
// reply back at the remote.
func TestDispatchIncompatibleReplyFailsCaller(t *testing.T) {
	adapter := &memAdapter{}
	correlator := correlation.NewManager(adapter, func(fn func()) error {
		fn()
		return nil
	})
	defer correlator.Stop()

	e := New("org.node", testRegistry(t), WithCorrelator(correlator))

	outbound := envelope.NewRequest("org.node", "org.peer", "Remote.compute", []byte(`{}`))
	results := make(chan correlation.Result, 1)
	_, err := correlator.Send(context.Background(), outbound,
		func(r correlation.Result) { results <- r }, time.Minute)
	require.NoError(t, err)
	sent := adapter.publishedCount()

	reply := envelope.NewResponse(outbound, []byte(`{"answer":42}`), false)
	reply.Headers.ProtocolVersion = "2.0.0"
	raw, err := reply.Encode()
	require.NoError(t, err)
	e.process(context.Background(), adapter, raw)

	result := <-results
	require.Error(t, result.Err)
	assert.ErrorIs(t, result.Err, errors.ErrVersionIncompatible)
	assert.Nil(t, result.Envelope)
	assert.Equal(t, sent, adapter.publishedCount())
}

func TestDispatchHandlerRunsOnPool(t *testing.T) {
	adapter := &memAdapter{}
	e := New("org.node", testRegistry(t), WithWorkers(2, 16))
	require.NoError(t, e.Start(context.Background()))
	defer func() { _ = e.Stop(time.Second) }()

	handler := e.Handler(adapter)
	_, raw := encodedRequest(t, "Counter.increment", `{"amount":7}`)
	handler(raw)

	require.Eventually(t, func() bool { return adapter.publishedCount() == 1 },
		time.Second, 5*time.Millisecond)
	replies := adapter.replies(t)
	require.False(t, replies[0].Headers.HasError)
	assert.JSONEq(t, `{"value":8}`, string(replies[0].Payload))
}
