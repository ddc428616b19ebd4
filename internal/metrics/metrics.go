// Package metrics defines the Prometheus collectors for the search, extraction
// and alerting pipelines.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tendersense"

var (
	// ExtractionOutcomesTotal counts extractor runs by terminal state.
	ExtractionOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extraction_outcomes_total",
			Help:      "Structured extraction runs by terminal state",
		},
		[]string{"state"}, // "success" / "fallback" / "no_backend"
	)

	// ExtractionAttempts observes how many backend calls a run needed.
	ExtractionAttempts = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "extraction_attempts",
			Help:      "Backend calls per extraction run",
			Buckets:   []float64{1, 2, 3, 4, 5, 6},
		},
	)

	// RerankFallbacksTotal counts rank calls that returned recall order.
	RerankFallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rerank_fallbacks_total",
			Help:      "Rank calls served in recall order because the scorer failed",
		},
		[]string{"reason"},
	)

	// AlertItemsTotal counts checked and new items per profile.
	AlertItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_items_total",
			Help:      "Alert items by profile and kind",
		},
		[]string{"profile", "kind"}, // "checked" / "new"
	)

	// EmbeddingCacheTotal counts query-embedding cache lookups.
	EmbeddingCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_cache_total",
			Help:      "Embedding cache hits and misses",
		},
		[]string{"result"},
	)

	// IngestedNoticesTotal counts notices by ingestion outcome.
	IngestedNoticesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingested_notices_total",
			Help:      "Notices processed by ingestion, by outcome",
		},
		[]string{"outcome"}, // "indexed" / "rejected"
	)
)

var registerOnce sync.Once

// Register registers all collectors with the default registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequestDuration,
			httpRequestsTotal,
			ExtractionOutcomesTotal,
			ExtractionAttempts,
			RerankFallbacksTotal,
			AlertItemsTotal,
			EmbeddingCacheTotal,
			IngestedNoticesTotal,
		)
	})
}
