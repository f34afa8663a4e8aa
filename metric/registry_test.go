package metric

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistry_CoreMetricsPresent(t *testing.T) {
	r := NewRegistry()

	require.NotNil(t, r.Core)
	require.NotNil(t, r.PrometheusRegistry())

	// Core metrics should be usable immediately.
	r.Core.RunsTotal.WithLabelValues("ZScore", "number", "ok").Inc()
	r.Core.UpdatesDiscarded.WithLabelValues("ZScore", "number", "seconds").Inc()
	r.Core.QueueDepth.WithLabelValues("ZScore").Set(3)

	families, err := r.PrometheusRegistry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["motion_runs_total"])
	assert.True(t, names["motion_updates_discarded_total"])
	assert.True(t, names["motion_update_queue_depth"])
}

func TestRegister_Duplicate(t *testing.T) {
	r := NewRegistry()

	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_counter_total", Help: "test"})
	require.NoError(t, r.Register("store", "test_counter_total", c))

	err := r.Register("store", "test_counter_total", c)
	assert.Error(t, err)
}

func TestUnregister(t *testing.T) {
	r := NewRegistry()

	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_counter_total", Help: "test"})
	require.NoError(t, r.Register("store", "test_counter_total", c))

	assert.True(t, r.Unregister("store", "test_counter_total"))
	assert.False(t, r.Unregister("store", "test_counter_total"))

	// Re-registration after unregister succeeds.
	assert.NoError(t, r.Register("store", "test_counter_total", c))
}
