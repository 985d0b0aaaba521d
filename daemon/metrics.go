package daemon

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are the daemon's Prometheus collectors, kept on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	requests     *prometheus.CounterVec
	connections  prometheus.Gauge
	backends     prometheus.Gauge
	setupSeconds prometheus.Histogram
}

// NewMetrics creates and registers the collectors. queueLen may be nil.
func NewMetrics(queueLen func() int) *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "axdaemon_requests_total",
			Help: "VM requests dispatched by the event engine.",
		}, []string{"op", "result"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "axdaemon_connections",
			Help: "Open client connections.",
		}),
		backends: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "axdaemon_backends",
			Help: "Live emulated block backends.",
		}),
		setupSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "axdaemon_setup_seconds",
			Help:    "Duration of emulated block setups.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
	}
	m.Registry.MustRegister(m.requests, m.connections, m.backends, m.setupSeconds)
	if queueLen != nil {
		m.Registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "axdaemon_queue_depth",
			Help: "Requests waiting for the event engine.",
		}, func() float64 { return float64(queueLen()) }))
	}
	return m
}

// ObserveSetup records one backend setup duration.
func (m *Metrics) ObserveSetup(d time.Duration) {
	m.setupSeconds.Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
