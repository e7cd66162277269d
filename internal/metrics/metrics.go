// Package metrics exposes Prometheus collectors for the plugin boundary.
//
// All methods are safe to call on a nil *Metrics, so components can take
// an optional collector set without guarding every call site.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "parley"

// Metrics holds the collectors shared by the transport, runtime and
// lifecycle manager.
type Metrics struct {
	callsTotal      *prometheus.CounterVec
	callDuration    *prometheus.HistogramVec
	pendingCalls    prometheus.Gauge
	callbackHandles prometheus.Gauge
	pluginsRunning  prometheus.Gauge
	storeSubs       prometheus.Gauge
	pluginErrors    *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
// A nil reg creates unregistered collectors.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		callsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "calls_total",
			Help:      "Cross-boundary calls by side, method and outcome.",
		}, []string{"side", "method", "outcome"}),
		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "call_duration_seconds",
			Help:      "Latency of cross-boundary calls.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		}, []string{"side", "method"}),
		pendingCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "pending_calls",
			Help:      "Channel adapter calls admitted and not yet settled.",
		}),
		callbackHandles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "callback_handles",
			Help:      "Proxied callback handles not yet released.",
		}),
		pluginsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "plugins",
			Name:      "running",
			Help:      "Plugins currently running in the sandbox.",
		}),
		storeSubs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "store_subscriptions",
			Help:      "Host store events currently relayed into the sandbox.",
		}),
		pluginErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "plugins",
			Name:      "errors_total",
			Help:      "Plugin execution failures by plugin id.",
		}, []string{"plugin"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.callsTotal,
			m.callDuration,
			m.pendingCalls,
			m.callbackHandles,
			m.pluginsRunning,
			m.storeSubs,
			m.pluginErrors,
		)
	}
	return m
}

// ObserveCall records one completed call.
func (m *Metrics) ObserveCall(side, method string, err error, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.callsTotal.WithLabelValues(side, method, outcome).Inc()
	m.callDuration.WithLabelValues(side, method).Observe(d.Seconds())
}

// PendingCallAdded increments the pending call gauge.
func (m *Metrics) PendingCallAdded() {
	if m == nil {
		return
	}
	m.pendingCalls.Inc()
}

// PendingCallRemoved decrements the pending call gauge.
func (m *Metrics) PendingCallRemoved() {
	if m == nil {
		return
	}
	m.pendingCalls.Dec()
}

// HandleProxied increments the live callback handle gauge.
func (m *Metrics) HandleProxied() {
	if m == nil {
		return
	}
	m.callbackHandles.Inc()
}

// HandleReleased decrements the live callback handle gauge.
func (m *Metrics) HandleReleased() {
	if m == nil {
		return
	}
	m.callbackHandles.Dec()
}

// SetPluginsRunning sets the running plugin gauge.
func (m *Metrics) SetPluginsRunning(n int) {
	if m == nil {
		return
	}
	m.pluginsRunning.Set(float64(n))
}

// SetStoreSubscriptions sets the relayed event gauge.
func (m *Metrics) SetStoreSubscriptions(n int) {
	if m == nil {
		return
	}
	m.storeSubs.Set(float64(n))
}

// PluginError counts a plugin execution failure.
func (m *Metrics) PluginError(pluginID string) {
	if m == nil {
		return
	}
	m.pluginErrors.WithLabelValues(pluginID).Inc()
}
