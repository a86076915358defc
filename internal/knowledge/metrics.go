package knowledge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	crawlPagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dredger",
			Name:      "crawl_pages_total",
			Help:      "Total pages processed during crawl jobs",
		},
		[]string{"status"},
	)

	crawlDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dredger",
			Name:      "crawl_duration_seconds",
			Help:      "Duration of crawl jobs in seconds",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1h
		},
		[]string{"domain"},
	)

	embedCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dredger",
			Name:      "embed_calls_total",
			Help:      "Total embedding API calls",
		},
		[]string{"status"},
	)

	embedDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "dredger",
			Name:      "embed_duration_seconds",
			Help:      "Duration of embedding API calls in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	chunksStoredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dredger",
			Name:      "chunks_stored_total",
			Help:      "Total chunks persisted, by outcome",
		},
		[]string{"outcome"}, // created, reactivated
	)

	chunksFilteredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dredger",
			Name:      "chunks_filtered_total",
			Help:      "Total chunks filtered before embedding",
		},
		[]string{"reason"},
	)

	linkDiscoveryTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dredger",
			Name:      "link_discovery_total",
			Help:      "Total same-domain links admitted to the crawl frontier",
		},
	)
)
