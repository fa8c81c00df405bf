package consolidation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cyclesRun = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "braind",
		Subsystem: "consolidation",
		Name:      "cycles_total",
		Help:      "Completed consolidation cycles.",
	})

	cycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "braind",
		Subsystem: "consolidation",
		Name:      "cycle_duration_seconds",
		Help:      "Duration of one tenant's consolidation cycle.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	})
)
