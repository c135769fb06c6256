package sodarelay

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "sodarelay"

// Metrics are the Prometheus collectors of one Relay.
type Metrics struct {
	Resolutions   *prometheus.CounterVec
	RelayedBytes  prometheus.Counter
	StageDuration *prometheus.HistogramVec
	InFlight      prometheus.Gauge

	gatherer prometheus.Gatherer
}

// NewMetrics creates the relay collectors on a fresh registry that also carries the Go and
// process collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return newMetrics(registry, registry)
}

func newMetrics(registerer prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	m := &Metrics{
		Resolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "resolutions_total",
				Help:      "Finished resolve-and-stream requests by outcome.",
			},
			[]string{"outcome"},
		),
		RelayedBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "relayed_bytes_total",
				Help:      "Media bytes written to callers.",
			},
		),
		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "stage_duration_seconds",
				Help:      "Time spent in each pipeline stage.",
				Buckets:   prometheus.ExponentialBuckets(0.005, 4, 9),
			},
			[]string{"stage"},
		),
		InFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "in_flight_requests",
				Help:      "Resolve-and-stream requests currently being handled.",
			},
		),
		gatherer: gatherer,
	}
	registerer.MustRegister(m.Resolutions, m.RelayedBytes, m.StageDuration, m.InFlight)
	return m
}

// observe records one finished request.
func (m *Metrics) observe(kind Kind, written int64) {
	m.Resolutions.WithLabelValues(string(kind)).Inc()
	if written > 0 {
		m.RelayedBytes.Add(float64(written))
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
