package health

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstructors(t *testing.T) {
	s := NewHealthy("dispatch", "all workers idle")
	assert.True(t, s.IsHealthy())
	assert.True(t, s.Healthy)
	assert.False(t, s.Timestamp.IsZero())

	assert.True(t, NewDegraded("broker:nats", "reconnecting").IsDegraded())
	assert.True(t, NewUnhealthy("broker:ws", "gone").IsUnhealthy())
}

func TestSanitization(t *testing.T) {
	cases := []struct {
		name     string
		in       string
		contains string
		excludes string
	}{
		{"nats url", "dial nats://user:pw@broker.local failed", "[URL]", "broker.local"},
		{"file path", "open /etc/capmesh/creds.yaml failed", "[PATH]", "/etc/capmesh"},
		{"ip address", "connect 192.168.1.100 refused", "[IP]", "192.168.1.100"},
		{"port", "listen :4222 in use", "[PORT]", ":4222"},
		{"credential", "auth failed password=hunter2", "[REDACTED]", "hunter2"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := NewUnhealthy("broker", tc.in)
			assert.Contains(t, s.Message, tc.contains)
			assert.NotContains(t, s.Message, tc.excludes)
		})
	}
}

func TestAggregateRules(t *testing.T) {
	healthy := NewHealthy("a", "")
	degraded := NewDegraded("b", "")
	unhealthy := NewUnhealthy("c", "")

	assert.True(t, Aggregate("sys", []Status{healthy, healthy}).IsHealthy())
	assert.True(t, Aggregate("sys", []Status{healthy, degraded}).IsDegraded())
	assert.True(t, Aggregate("sys", []Status{degraded, unhealthy}).IsUnhealthy())
	assert.True(t, Aggregate("sys", nil).IsHealthy())
}

func TestMonitorSnapshot(t *testing.T) {
	m := NewMonitor()
	m.UpdateHealthy("dispatch", "ok")
	m.UpdateHealthy("broker:nats", "connected")
	m.UpdateDegraded("broker:ws", "reconnecting")

	snap := m.Snapshot("runtime")
	assert.True(t, snap.IsDegraded())
	require.Len(t, snap.SubStatuses, 3)
	// Sub-statuses come out in name order.
	assert.Equal(t, "broker:nats", snap.SubStatuses[0].Component)
	assert.Equal(t, "broker:ws", snap.SubStatuses[1].Component)
	assert.Equal(t, "dispatch", snap.SubStatuses[2].Component)
}

func TestMonitorTransitions(t *testing.T) {
	m := NewMonitor()
	m.UpdateUnhealthy("broker:nats", "down")
	assert.True(t, m.Snapshot("runtime").IsUnhealthy())

	m.UpdateHealthy("broker:nats", "recovered")
	got, ok := m.Get("broker:nats")
	require.True(t, ok)
	assert.True(t, got.IsHealthy())
	assert.True(t, m.Snapshot("runtime").IsHealthy())

	m.Remove("broker:nats")
	assert.Equal(t, 0, m.Count())
	_, ok = m.Get("broker:nats")
	assert.False(t, ok)
}
