package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveCall("host", "addMessage", nil, time.Millisecond)
	m.PendingCallAdded()
	m.PendingCallRemoved()
	m.HandleProxied()
	m.HandleReleased()
	m.SetPluginsRunning(3)
	m.SetStoreSubscriptions(1)
	m.PluginError("p1")
}

func TestObserveCall(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveCall("sandbox", "executePlugin", nil, time.Millisecond)
	m.ObserveCall("sandbox", "executePlugin", errors.New("boom"), time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.callsTotal.WithLabelValues("sandbox", "executePlugin", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.callsTotal.WithLabelValues("sandbox", "executePlugin", "error")))

	n, err := testutil.GatherAndCount(reg, "parley_rpc_calls_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestGauges(t *testing.T) {
	m := New(nil)

	m.PendingCallAdded()
	m.PendingCallAdded()
	m.PendingCallRemoved()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.pendingCalls))

	m.HandleProxied()
	m.HandleReleased()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.callbackHandles))

	m.SetPluginsRunning(2)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.pluginsRunning))
}
