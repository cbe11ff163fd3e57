package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits by kind ("fields" or "missing")
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nhle_detail_cache_hits_total",
			Help: "Total number of detail cache hits",
		},
		[]string{"kind"},
	)

	// CacheMisses tracks cache misses
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nhle_detail_cache_misses_total",
			Help: "Total number of detail cache misses",
		},
	)

	// CacheWrittenBytes tracks bytes written to the cache
	CacheWrittenBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nhle_detail_cache_written_bytes_total",
			Help: "Total bytes written to the detail cache",
		},
	)

	// CacheErrors tracks cache operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nhle_detail_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"operation"}, // "get", "set", "delete", "purge"
	)
)
