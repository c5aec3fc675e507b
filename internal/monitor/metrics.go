package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "boardsync"

// collectorSet holds the Prometheus instruments. Each monitor owns its
// registry so tests and embedded instances never collide on the default
// registerer.
type collectorSet struct {
	registry *prometheus.Registry

	deliveryLatency *prometheus.HistogramVec
	deliveries      *prometheus.CounterVec
	sends           *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	forcedOpen      prometheus.Counter
	cpuPercent      prometheus.Gauge
	rssBytes        prometheus.Gauge
}

func newCollectorSet(m *Monitor) *collectorSet {
	reg := prometheus.NewRegistry()
	cs := &collectorSet{
		registry: reg,
		deliveryLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_latency_seconds",
			Help:      "Time from dispatch to completed delivery, per priority tier.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"priority"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Delivery outcomes per feature.",
		}, []string{"feature", "outcome"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_sends_total",
			Help:      "Per-connection write outcomes.",
		}, []string{"outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degradation_transitions_total",
			Help:      "Connections moved between active and degraded by the monitor.",
		}, []string{"direction"}),
		forcedOpen: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breakers_forced_open_total",
			Help:      "Circuit breakers opened preemptively by the monitor.",
		}),
		cpuPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "process_cpu_percent",
			Help:      "Process CPU usage at the last sample.",
		}),
		rssBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "process_rss_bytes",
			Help:      "Process resident set size at the last sample.",
		}),
	}

	reg.MustRegister(
		cs.deliveryLatency,
		cs.deliveries,
		cs.sends,
		cs.transitions,
		cs.forcedOpen,
		cs.cpuPercent,
		cs.rssBytes,
		collectors.NewGoCollector(),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Live connections.",
		}, func() float64 {
			if src := m.connections(); src != nil {
				return float64(src.ConnectionCount())
			}
			return 0
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breakers_open",
			Help:      "Circuit breakers currently open.",
		}, func() float64 {
			return float64(m.openBreakers())
		}),
	)
	return cs
}

// Handler serves the monitor's registry in the Prometheus text format.
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.metrics.registry, promhttp.HandlerOpts{})
}

// Registry exposes the registry so callers can add their own collectors.
func (m *Monitor) Registry() *prometheus.Registry { return m.metrics.registry }
