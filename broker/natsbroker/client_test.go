package natsbroker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/capmesh/errors"
)

func TestNewDefaults(t *testing.T) {
	c, err := New("nats://localhost:4222")
	require.NoError(t, err)

	assert.Equal(t, "nats", c.Name())
	assert.Equal(t, "nats://localhost:4222", c.URL())
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.False(t, c.Connected())
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "disconnected", StatusDisconnected.String())
	assert.Equal(t, "connecting", StatusConnecting.String())
	assert.Equal(t, "connected", StatusConnected.String())
	assert.Equal(t, "reconnecting", StatusReconnecting.String())
	assert.Equal(t, "circuit_open", StatusCircuitOpen.String())
	assert.Equal(t, "unknown", ConnectionStatus(99).String())
}

func TestSubjectFor(t *testing.T) {
	assert.Equal(t, "org.facility.system.requests", subjectFor("org/facility/system/requests"))
	assert.Equal(t, "plain", subjectFor("plain"))
}

func TestPublishWhileDisconnected(t *testing.T) {
	c, err := New("nats://localhost:4222")
	require.NoError(t, err)

	err = c.Publish(context.Background(), "a/b/requests", []byte("x"))
	assert.ErrorIs(t, err, errors.ErrNotConnected)
	assert.True(t, errors.IsTransient(err))
}

func TestSubscribeWhileDisconnected(t *testing.T) {
	c, err := New("nats://localhost:4222")
	require.NoError(t, err)

	err = c.Subscribe(context.Background(), "a/b/requests", func([]byte) {})
	assert.ErrorIs(t, err, errors.ErrNotConnected)
}

func TestCircuitOpensAfterThreshold(t *testing.T) {
	c, err := New("nats://localhost:4222",
		WithCircuitBreakerThreshold(3),
		WithMaxBackoff(time.Second))
	require.NoError(t, err)

	c.recordFailure()
	c.recordFailure()
	assert.NotEqual(t, StatusCircuitOpen, c.Status())

	c.recordFailure()
	assert.Equal(t, StatusCircuitOpen, c.Status())
	assert.Equal(t, int32(3), c.Failures())

	// Connect and Publish both fail fast while the circuit is open.
	err = c.Connect(context.Background())
	assert.ErrorIs(t, err, errors.ErrNotConnected)
	err = c.Publish(context.Background(), "t", nil)
	assert.ErrorIs(t, err, errors.ErrNotConnected)
}

func TestResetCircuitRestoresDefaults(t *testing.T) {
	c, err := New("nats://localhost:4222", WithCircuitBreakerThreshold(1))
	require.NoError(t, err)

	c.recordFailure()
	require.Equal(t, StatusCircuitOpen, c.Status())

	c.resetCircuit()
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.Equal(t, int32(0), c.Failures())
	assert.Equal(t, time.Second, c.backoff.Load().(time.Duration))
}

func TestConnectFailsAgainstNoServer(t *testing.T) {
	c, err := New("nats://127.0.0.1:1",
		WithTimeout(100*time.Millisecond),
		WithHealthInterval(0))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err = c.Connect(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.False(t, c.Connected())
}

func TestCloseIsIdempotent(t *testing.T) {
	c, err := New("nats://localhost:4222")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Close(ctx))
	require.NoError(t, c.Close(ctx))
	assert.Equal(t, StatusDisconnected, c.Status())
}

func TestOptionValidation(t *testing.T) {
	c, err := New("nats://localhost:4222",
		WithCircuitBreakerThreshold(0), // coerced to default
		WithMaxBackoff(time.Millisecond), // coerced to default
	)
	require.NoError(t, err)
	assert.Equal(t, int32(5), c.circuitThreshold)
	assert.Equal(t, time.Minute, c.maxBackoff)
}
