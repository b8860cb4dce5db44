// Package metrics exposes cache counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the instrument set for the cache engine.
type Metrics struct {
	Hits          *prometheus.CounterVec
	Misses        *prometheus.CounterVec
	Evictions     *prometheus.CounterVec
	Prefetches    prometheus.Counter
	OriginLatency prometheus.Histogram
}

// New registers the instrument set on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Hits: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agentcache_hits_total",
			Help: "Cache hits by tier.",
		}, []string{"tier"}),
		Misses: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agentcache_misses_total",
			Help: "Cache misses by reason.",
		}, []string{"reason"}),
		Evictions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agentcache_evictions_total",
			Help: "Hot-tier evictions by cause.",
		}, []string{"cause"}),
		Prefetches: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "agentcache_prefetches_total",
			Help: "Background prefetch dispatches.",
		}),
		OriginLatency: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "agentcache_origin_latency_seconds",
			Help:    "Origin compute latency.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
