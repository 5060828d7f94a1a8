// Package metrics exposes connection and pipeline counters for Prometheus.
// Every method is safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hubclient"

var lifecycleStates = []string{"DISCONNECTED", "CONNECTING", "CONNECTED", "RECONNECTING", "FAILED"}

// Metrics holds the collectors registered on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	lifecycle      *prometheus.GaugeVec
	quality        prometheus.Gauge
	disconnections prometheus.Counter
	reconnects     prometheus.Histogram
	connectErrors  *prometheus.CounterVec
	dedupHits      *prometheus.CounterVec
	events         *prometheus.CounterVec
	outbound       *prometheus.CounterVec
}

// New creates and registers all collectors, plus the Go runtime collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		lifecycle: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "1 for the current connection lifecycle state, 0 otherwise.",
		}, []string{"state"}),
		quality: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_quality",
			Help:      "Connection quality tier: 3 excellent, 2 good, 1 poor, 0 critical.",
		}),
		disconnections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnections_total",
			Help:      "Connections closed by the transport.",
		}),
		reconnects: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconnect_duration_seconds",
			Help:      "Time from connection loss to successful reconnect.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 15, 30, 60},
		}),
		connectErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_failures_total",
			Help:      "Failed initial connection attempts by category.",
		}, []string{"category"}),
		dedupHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedup_suppressed_total",
			Help:      "Inbound events suppressed as duplicates.",
		}, []string{"category"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_events_total",
			Help:      "Inbound hub events by name and outcome.",
		}, []string{"event", "outcome"}),
		outbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_calls_total",
			Help:      "Outbound hub calls by method and result.",
		}, []string{"method", "result"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.lifecycle, m.quality, m.disconnections, m.reconnects,
		m.connectErrors, m.dedupHits, m.events, m.outbound,
	)
	m.SetState("DISCONNECTED")
	m.quality.Set(3)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SetState marks state as the current lifecycle state.
func (m *Metrics) SetState(state string) {
	if m == nil {
		return
	}
	for _, s := range lifecycleStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.lifecycle.WithLabelValues(s).Set(v)
	}
}

// SetQuality records the quality score.
func (m *Metrics) SetQuality(score float64) {
	if m == nil {
		return
	}
	m.quality.Set(score)
}

// Disconnected counts a transport close.
func (m *Metrics) Disconnected() {
	if m == nil {
		return
	}
	m.disconnections.Inc()
}

// Reconnected observes a reconnect duration.
func (m *Metrics) Reconnected(d time.Duration) {
	if m == nil {
		return
	}
	m.reconnects.Observe(d.Seconds())
}

// ConnectFailed counts an initial connect failure.
func (m *Metrics) ConnectFailed(category string) {
	if m == nil {
		return
	}
	m.connectErrors.WithLabelValues(category).Inc()
}

// DedupSuppressed counts a suppressed duplicate.
func (m *Metrics) DedupSuppressed(category string) {
	if m == nil {
		return
	}
	m.dedupHits.WithLabelValues(category).Inc()
}

// Event counts an inbound event with outcome "handled", "dropped" or "panic".
func (m *Metrics) Event(name, outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(name, outcome).Inc()
}

// Outbound counts an outbound call with result "ok", "error" or "queued".
func (m *Metrics) Outbound(method, result string) {
	if m == nil {
		return
	}
	m.outbound.WithLabelValues(method, result).Inc()
}
