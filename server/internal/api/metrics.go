package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "statussync_relay"

// Metrics holds the relay's Prometheus collectors on a private registry.
type Metrics struct {
	registry  *prometheus.Registry
	published *prometheus.CounterVec
	delivered prometheus.Counter
	rejected  prometheus.Counter
}

// NewMetrics registers the relay collectors. clients and scopes are sampled
// at scrape time.
func NewMetrics(clients, scopes func() int) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Events accepted on POST /api/v1/events.",
		}, []string{"event"}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_delivered_total",
			Help:      "Frames queued to WebSocket subscribers.",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_rejected_total",
			Help:      "Published events rejected as invalid.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.published, m.delivered, m.rejected,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_clients",
			Help:      "Connected WebSocket clients.",
		}, func() float64 { return float64(clients()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stored_scopes",
			Help:      "Scopes with a stored status.",
		}, func() float64 { return float64(scopes()) }),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) recordPublish(event string, delivered int) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(event).Inc()
	m.delivered.Add(float64(delivered))
}

func (m *Metrics) recordReject() {
	if m == nil {
		return
	}
	m.rejected.Inc()
}
