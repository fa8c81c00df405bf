// Prometheus metrics for the persistence guard.
package guard

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// opsTotal counts guarded store operations by result.
	opsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "braind",
			Subsystem: "guard",
			Name:      "operations_total",
			Help:      "Total guarded store operations",
		},
		[]string{"op", "result"},
	)

	// retriesTotal counts retry attempts beyond the first try.
	retriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "braind",
			Subsystem: "guard",
			Name:      "retries_total",
			Help:      "Total retry attempts for transient store failures",
		},
		[]string{"op"},
	)

	// rejectedTotal counts calls rejected by the open circuit.
	rejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "braind",
			Subsystem: "guard",
			Name:      "circuit_rejections_total",
			Help:      "Total calls rejected while the circuit breaker was open",
		},
		[]string{"op"},
	)

	// breakerState exposes the current breaker state as a 0/1 gauge per state.
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "braind",
			Subsystem: "guard",
			Name:      "breaker_state",
			Help:      "Circuit breaker state (1 for the active state)",
		},
		[]string{"state"},
	)

	// rateLimitRejections counts token-bucket rejections by caller key.
	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "braind",
			Subsystem: "guard",
			Name:      "rate_limit_rejections_total",
			Help:      "Total calls rejected by the token-bucket rate limiter",
		},
		[]string{"caller"},
	)
)
