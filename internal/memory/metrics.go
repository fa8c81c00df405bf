package memory

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	inflightPredictions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "braind",
		Subsystem: "memory",
		Name:      "inflight_predictions",
		Help:      "In-flight predictions held in working memory.",
	})

	evictedPredictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "braind",
		Subsystem: "memory",
		Name:      "evicted_predictions_total",
		Help:      "Predictions evicted from working memory before completion.",
	})

	episodesStored = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "braind",
		Subsystem: "memory",
		Name:      "episodes_stored_total",
		Help:      "Episodes written to the episodic store.",
	})

	episodesArchived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "braind",
		Subsystem: "memory",
		Name:      "episodes_archived_total",
		Help:      "Episodes moved to the archive by decay sweeps.",
	})

	episodesPurged = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "braind",
		Subsystem: "memory",
		Name:      "episodes_purged_total",
		Help:      "Archived episodes deleted after the retention window.",
	})

	patternsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "braind",
		Subsystem: "memory",
		Name:      "patterns_created_total",
		Help:      "Semantic patterns created by consolidation.",
	})

	patternsMerged = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "braind",
		Subsystem: "memory",
		Name:      "patterns_merged_total",
		Help:      "Consolidation groups merged into existing patterns.",
	})

	patternUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "braind",
		Subsystem: "memory",
		Name:      "pattern_updates_total",
		Help:      "Per-outcome confidence updates applied to patterns.",
	})

	patternsForgotten = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "braind",
		Subsystem: "memory",
		Name:      "patterns_forgotten_total",
		Help:      "Once-trusted patterns archived for low confidence.",
	})

	knowledgeStored = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "braind",
		Subsystem: "memory",
		Name:      "knowledge_stored_total",
		Help:      "Procedural knowledge entries written by promotion.",
	})
)
