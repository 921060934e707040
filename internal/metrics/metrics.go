// Package metrics exposes the process counters on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tunecache_requests_total",
		Help: "API requests by method, source and envelope code.",
	}, []string{"method", "source", "code"})

	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tunecache_cache_hits_total",
		Help: "url request outcomes by tier (artifact, kv, resolver, fallback, miss).",
	}, []string{"tier"})

	Downloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tunecache_downloads_total",
		Help: "Materializer download outcomes.",
	}, []string{"kind", "outcome"})

	FallbackRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tunecache_fallback_runs_total",
		Help: "External script chain outcomes.",
	}, []string{"outcome"})

	DownloadSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tunecache_download_seconds",
		Help:    "Audio materialization duration.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
