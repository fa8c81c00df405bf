package learning

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	guidanceServed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "braind",
		Subsystem: "learning",
		Name:      "guidance_served_total",
		Help:      "Guidance requests served, by explore/exploit mode.",
	}, []string{"mode"})

	outcomesLearned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "braind",
		Subsystem: "learning",
		Name:      "outcomes_learned_total",
		Help:      "Outcomes folded back into memory and learning state.",
	})

	driftDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "braind",
		Subsystem: "learning",
		Name:      "drift_detected_total",
		Help:      "Distribution drift detections, by skill and domain.",
	}, []string{"skill", "domain"})

	stateVersion = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "braind",
		Subsystem: "learning",
		Name:      "state_version",
		Help:      "Optimistic-lock version of the persisted learning state.",
	})

	stateConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "braind",
		Subsystem: "learning",
		Name:      "state_conflicts_total",
		Help:      "Learning state saves that lost the optimistic-lock race.",
	})

	shadowSpawned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "braind",
		Subsystem: "learning",
		Name:      "shadow_candidates_total",
		Help:      "Shadow weight candidates spawned.",
	})

	shadowPromoted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "braind",
		Subsystem: "learning",
		Name:      "shadow_promotions_total",
		Help:      "Shadow weight candidates promoted to live weights.",
	})
)
