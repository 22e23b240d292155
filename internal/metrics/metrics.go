// Package metrics holds the Prometheus metrics exported by rulesense.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Match metrics
	MatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rulesense_matches_total",
			Help: "Total number of match calls by path taken",
		},
		[]string{"path"}, // semantic, hybrid, keyword_only, semantic_disabled
	)

	MatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rulesense_match_duration_seconds",
			Help:    "Match call duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
		},
		[]string{"path"},
	)

	MatchResults = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rulesense_match_results",
			Help:    "Number of rules returned per match call",
			Buckets: prometheus.LinearBuckets(0, 1, 11),
		},
	)

	SemanticFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rulesense_semantic_failures_total",
			Help: "Semantic matching failures absorbed by the keyword fallback",
		},
		[]string{"reason"}, // unavailable, timeout, dimension_mismatch, other
	)

	// Initialization metrics
	RulesEmbedded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rulesense_rules_embedded_total",
			Help: "Total number of rules embedded during initialization",
		},
	)

	RulesReused = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rulesense_rules_reused_total",
			Help: "Total number of rule vectors reused from the cache",
		},
	)

	InitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rulesense_initialize_duration_seconds",
			Help:    "Matcher initialization duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
	)

	IndexedRules = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rulesense_indexed_rules",
			Help: "Number of rules in the vector index",
		},
	)

	SemanticEnabled = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rulesense_semantic_enabled",
			Help: "1 when semantic matching is enabled for the session",
		},
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rulesense_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "status"},
	)

	// Query cache metrics
	QueryCacheHits = promauto.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "rulesense_query_cache_hits_total",
			Help: "Query embedding cache hits",
		},
		func() float64 { return float64(QueryCacheHitCount()) },
	)
)

var queryCacheHits atomic.Pointer[func() uint64]

// SetQueryCacheHits registers the source of the query cache hit counter. It is safe to call
// while metrics are being scraped.
func SetQueryCacheHits(fn func() uint64) {
	if fn != nil {
		queryCacheHits.Store(&fn)
	}
}

// QueryCacheHitCount returns the registered query cache hit count, or 0.
func QueryCacheHitCount() uint64 {
	if fn := queryCacheHits.Load(); fn != nil {
		return (*fn)()
	}
	return 0
}

// BoolGauge returns 1 for true and 0 for false.
func BoolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
