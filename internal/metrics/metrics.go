// Package metrics registers the ambient Prometheus instrumentation
// (§9): store hit/miss counts, resolve latency, and bytes bridged
// between upstream and downstream. It is deliberately small — the
// peripheral "statistics aggregator" spec.md §1 names as a non-goal
// stays out of scope; this is just what a long-running Go service in
// this corpus carries regardless.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the rest of the module reports
// through. A *Metrics registered against a dedicated
// prometheus.Registry (not the global DefaultRegisterer) so tests can
// construct one per case without collisions.
type Metrics struct {
	registry *prometheus.Registry

	StoreHits      prometheus.Counter
	StoreMisses    prometheus.Counter
	ResolveLatency prometheus.Histogram
	ResolveErrors  *prometheus.CounterVec
	BridgeBytes    *prometheus.CounterVec
	HTTPSListeners prometheus.Gauge
}

// New builds and registers the full collector set against a fresh
// registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		StoreHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "zns_store_block_hits_total",
			Help: "Cached blocks served from the record store without a DHT round trip.",
		}),
		StoreMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "zns_store_block_misses_total",
			Help: "Block lookups that missed the record store's cache.",
		}),
		ResolveLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "zns_resolve_duration_seconds",
			Help:    "Wall-clock time spent in one Resolve call.",
			Buckets: prometheus.DefBuckets,
		}),
		ResolveErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "zns_resolve_errors_total",
			Help: "Resolve calls that returned an error, by cause.",
		}, []string{"cause"}),
		BridgeBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "zns_bridge_bytes_total",
			Help: "Bytes relayed between upstream and the browser, by direction.",
		}, []string{"direction"}),
		HTTPSListeners: factory.NewGauge(prometheus.GaugeOpts{
			Name: "zns_https_listeners",
			Help: "HTTPS listener-pool entries currently alive.",
		}),
	}
}

// Handler serves the registry's collected metrics in the Prometheus
// exposition format, mounted at /metrics on --metrics-addr.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
