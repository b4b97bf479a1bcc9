package router

import (
	"expvar"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func histInt(t *testing.T, m *expvar.Map, key string) int64 {
	t.Helper()
	v, ok := m.Get(key).(*expvar.Int)
	require.True(t, ok, "histogram var %q", key)
	return v.Value()
}

func TestObserveLatency_CumulativeBuckets(t *testing.T) {
	m := NewRouterMetrics(false, "")
	hist := m.InsertLatencyHist

	observeLatency(hist, 0.007)
	observeLatency(hist, 0.3)
	observeLatency(hist, 42.0)

	assert.Equal(t, int64(3), histInt(t, hist, "count"))
	// 0.007 only fits from the 0.01 bucket up.
	assert.Equal(t, int64(0), histInt(t, hist, "le_0.005"))
	assert.Equal(t, int64(1), histInt(t, hist, "le_0.010"))
	// 0.3 joins from 0.5 up.
	assert.Equal(t, int64(1), histInt(t, hist, "le_0.250"))
	assert.Equal(t, int64(2), histInt(t, hist, "le_0.500"))
	assert.Equal(t, int64(2), histInt(t, hist, "le_10.000"))
	// Every observation lands in the +inf bucket.
	assert.Equal(t, int64(3), histInt(t, hist, "le_inf"))

	sum, ok := hist.Get("sum").(*expvar.Float)
	require.True(t, ok)
	assert.InDelta(t, 42.307, sum.Value(), 0.001)
}

func TestObserveLatency_NilHistogram(t *testing.T) {
	assert.NotPanics(t, func() { observeLatency(nil, 1.0) })
}

func TestNewRouterMetrics_GlobalPublishIsReentrant(t *testing.T) {
	// Global expvar names persist for the process lifetime; re-creating the
	// metric set must reset and reuse them instead of panicking.
	first := NewRouterMetrics(true, "test_router_")
	first.InsertTotal.Add(7)

	second := NewRouterMetrics(true, "test_router_")
	assert.True(t, second.PublishedGlobally)
	assert.Equal(t, int64(0), second.InsertTotal.Value())
	assert.Same(t, first.InsertTotal, second.InsertTotal)
}
