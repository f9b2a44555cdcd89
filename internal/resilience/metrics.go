package resilience

import "github.com/prometheus/client_golang/prometheus"

// Breaker telemetry is registered at package init so every breaker instance
// reports under the same collectors, keyed by target.
var (
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Subsystem: "resilience",
			Name:      "breaker_state",
			Help:      "Current breaker state: 0=closed, 1=open, 2=half-open.",
		},
		[]string{"target"},
	)
	BreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "resilience",
			Name:      "breaker_transition_total",
			Help:      "Breaker state transitions by target.",
		},
		[]string{"target", "from", "to"},
	)
	BreakerOpenedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "resilience",
			Name:      "breaker_open_total",
			Help:      "Times a breaker tripped open.",
		},
		[]string{"target"},
	)
)

func init() {
	prometheus.MustRegister(BreakerState, BreakerTransitions, BreakerOpenedTotal)
}
