package internal

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are the engine's Prometheus instruments. Each engine owns its
// registry so several engines can live in one process.
type Metrics struct {
	Registry *prometheus.Registry

	LeasedDecoders    prometheus.Gauge
	RegisteredSources prometheus.Gauge
	PoolEvictions     prometheus.Counter
	StaleBinds        prometheus.Counter
	PrepareFailures   prometheus.Counter
	PositionChanges   prometheus.Counter
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		LeasedDecoders: f.NewGauge(prometheus.GaugeOpts{
			Name: "shortfeed_leased_decoders",
			Help: "Decoder handles currently leased to a feed index.",
		}),
		RegisteredSources: f.NewGauge(prometheus.GaugeOpts{
			Name: "shortfeed_registered_sources",
			Help: "Sources registered for preload.",
		}),
		PoolEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "shortfeed_pool_evictions_total",
			Help: "Leases taken from a non-focused index to serve another.",
		}),
		StaleBinds: f.NewCounter(prometheus.CounterOpts{
			Name: "shortfeed_stale_binds_total",
			Help: "Binds discarded because focus moved on.",
		}),
		PrepareFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "shortfeed_prepare_failures_total",
			Help: "Sources that failed to prepare.",
		}),
		PositionChanges: f.NewCounter(prometheus.CounterOpts{
			Name: "shortfeed_position_changes_total",
			Help: "Focus changes processed.",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
