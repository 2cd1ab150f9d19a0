// Package telemetry defines the Prometheus metrics exposed by memoryd.
// Metrics are registered with promauto at init; the daemon serves them
// via promhttp when telemetry is enabled.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Evictions counts records evicted from working memory.
	Evictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "memoryd",
			Subsystem: "workingmem",
			Name:      "evictions_total",
			Help:      "Total number of interaction records evicted",
		},
	)

	// ConsolidationFailures counts evictions whose extraction failed.
	ConsolidationFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "memoryd",
			Subsystem: "workingmem",
			Name:      "consolidation_failures_total",
			Help:      "Total number of evictions where consolidation failed",
		},
	)

	// Candidates counts consolidation candidates by kind and outcome.
	// Labels: kind (workflow, file_relationship, intent, correction,
	// structural), result (created, merged, skipped, error)
	Candidates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "memoryd",
			Subsystem: "consolidation",
			Name:      "candidates_total",
			Help:      "Total consolidation candidates by kind and result",
		},
		[]string{"kind", "result"},
	)

	// PatternsTotal tracks the number of stored patterns by type.
	PatternsTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "memoryd",
			Subsystem: "patterns",
			Name:      "total",
			Help:      "Number of stored patterns by type",
		},
		[]string{"type"},
	)

	// PatternsPruned counts patterns deleted by maintenance.
	PatternsPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "memoryd",
			Subsystem: "patterns",
			Name:      "pruned_total",
			Help:      "Total patterns pruned during maintenance",
		},
	)

	// CollectionRuns counts metric collection runs.
	// Labels: kind (full, delta, throttled), result (success, failure)
	CollectionRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "memoryd",
			Subsystem: "collection",
			Name:      "runs_total",
			Help:      "Total metric collection runs by kind and result",
		},
		[]string{"kind", "result"},
	)

	// CollectionDuration tracks collection run latency.
	CollectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "memoryd",
			Subsystem: "collection",
			Name:      "duration_seconds",
			Help:      "Duration of metric collection runs in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// InsightsActive tracks currently active insights by severity.
	InsightsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "memoryd",
			Subsystem: "insights",
			Name:      "active",
			Help:      "Number of active (unexpired, undismissed) insights by severity",
		},
		[]string{"severity"},
	)

	// DegradedQueries counts query API calls answered in degraded mode.
	DegradedQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "memoryd",
			Subsystem: "engine",
			Name:      "degraded_queries_total",
			Help:      "Total queries answered with a degraded (empty or partial) result",
		},
		[]string{"query"},
	)
)
