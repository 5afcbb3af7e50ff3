// Package metrics holds the agent's Prometheus instruments.
//
// Each Metrics owns its registry so that independent coordinators (and tests)
// never collide on registration. All methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/obsidianstack/statussync/pkg/types"
)

const namespace = "statussync_agent"

var allStates = []types.ConnectionState{
	types.StateDisconnected,
	types.StateConnecting,
	types.StateConnected,
	types.StateFailed,
}

// Metrics holds the agent's instruments.
type Metrics struct {
	reg *prometheus.Registry

	updates         *prometheus.CounterVec
	syncErrors      *prometheus.CounterVec
	connectAttempts *prometheus.CounterVec
	connectionState *prometheus.GaugeVec
	cacheEntries    prometheus.Gauge
	cacheEvictions  prometheus.Counter
	activeScopes    prometheus.Gauge
	refreshDuration *prometheus.HistogramVec
}

// New creates the instruments on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_total",
			Help:      "Updates applied by the coordinator, by kind.",
		}, []string{"kind"}),
		syncErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_errors_total",
			Help:      "Sync errors recorded by the coordinator, by kind.",
		}, []string{"kind"}),
		connectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Connection attempts to the push server, by result.",
		}, []string{"result"}),
		connectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "1 for the current connection state, 0 otherwise.",
		}, []string{"state"}),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entries",
			Help:      "Snapshots currently held in the status cache.",
		}),
		cacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Snapshots removed by the eviction sweep.",
		}),
		activeScopes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_scopes",
			Help:      "Scopes with at least one active consumer.",
		}),
		refreshDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "refresh_duration_seconds",
			Help:      "Duration of authoritative refresh calls.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"success"}),
	}

	m.reg.MustRegister(
		m.updates, m.syncErrors, m.connectAttempts, m.connectionState,
		m.cacheEntries, m.cacheEvictions, m.activeScopes, m.refreshDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m.SetState(types.StateDisconnected)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) RecordUpdate(kind types.UpdateKind) {
	if m == nil {
		return
	}
	m.updates.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) RecordError(kind types.ErrorKind) {
	if m == nil {
		return
	}
	m.syncErrors.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) RecordConnectAttempt(success bool) {
	if m == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	m.connectAttempts.WithLabelValues(result).Inc()
}

// SetState marks state as current and every other state as inactive.
func (m *Metrics) SetState(state types.ConnectionState) {
	if m == nil {
		return
	}
	for _, s := range allStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.connectionState.WithLabelValues(string(s)).Set(v)
	}
}

func (m *Metrics) SetCacheEntries(n int) {
	if m == nil {
		return
	}
	m.cacheEntries.Set(float64(n))
}

func (m *Metrics) AddEvictions(n int) {
	if m == nil {
		return
	}
	m.cacheEvictions.Add(float64(n))
}

func (m *Metrics) SetActiveScopes(n int) {
	if m == nil {
		return
	}
	m.activeScopes.Set(float64(n))
}

// RecordRefresh observes the duration of one refresh call.
func (m *Metrics) RecordRefresh(d time.Duration, success bool) {
	if m == nil {
		return
	}
	label := "false"
	if success {
		label = "true"
	}
	m.refreshDuration.WithLabelValues(label).Observe(d.Seconds())
}
