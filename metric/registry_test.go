package metric

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegistry(t *testing.T) {
	r := NewMetricsRegistry()
	require.NotNil(t, r)
	require.NotNil(t, r.CoreMetrics())
	require.NotNil(t, r.PrometheusRegistry())
}

func TestRegisterCounterRejectsDuplicates(t *testing.T) {
	r := NewMetricsRegistry()

	c1 := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_counter_total", Help: "test"})
	require.NoError(t, r.RegisterCounter("dispatch", "test_counter_total", c1))

	c2 := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_counter_total", Help: "test"})
	err := r.RegisterCounter("dispatch", "test_counter_total", c2)
	assert.Error(t, err)
}

func TestSameNameDifferentComponentStillConflictsInPrometheus(t *testing.T) {
	r := NewMetricsRegistry()

	c1 := prometheus.NewCounter(prometheus.CounterOpts{Name: "shared_total", Help: "test"})
	require.NoError(t, r.RegisterCounter("dispatch", "shared_total", c1))

	// Our map key differs but the Prometheus registry rejects the clash.
	c2 := prometheus.NewCounter(prometheus.CounterOpts{Name: "shared_total", Help: "test"})
	err := r.RegisterCounter("event", "shared_total", c2)
	assert.Error(t, err)
}

func TestUnregister(t *testing.T) {
	r := NewMetricsRegistry()

	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_gauge", Help: "test"})
	require.NoError(t, r.RegisterGauge("broker", "test_gauge", g))

	assert.True(t, r.Unregister("broker", "test_gauge"))
	assert.False(t, r.Unregister("broker", "test_gauge"))

	// Re-registration after unregister succeeds.
	g2 := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_gauge", Help: "test"})
	assert.NoError(t, r.RegisterGauge("broker", "test_gauge", g2))
}
