package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// CourierWebhookTotal counts inbound courier webhook processing outcomes.
	CourierWebhookTotal *prometheus.CounterVec
	// CourierPollTotal counts pull-based tracking refresh outcomes.
	CourierPollTotal *prometheus.CounterVec
	// ReconciliationTotal counts reconciliation pipeline results per source.
	ReconciliationTotal *prometheus.CounterVec
	// CourierAPILatency records courier provider call latency in milliseconds.
	CourierAPILatency *prometheus.HistogramVec
	// TokenRefreshTotal counts provider token refresh attempts by outcome.
	TokenRefreshTotal *prometheus.CounterVec
	// DeadLetterTotal counts events stored for manual reconciliation.
	DeadLetterTotal prometheus.Counter
)

// MustRegisterDomainMetrics initialises and registers the reconciliation
// collectors. Safe to call from both the API and worker entrypoints; only the
// first call registers.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		CourierWebhookTotal = registerOrReuse(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "courier_webhook_total",
			Help:      "Count of processed courier webhooks by outcome.",
		}, []string{"result"}))
		CourierPollTotal = registerOrReuse(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "courier_poll_total",
			Help:      "Count of pull-based tracking refreshes by outcome.",
		}, []string{"result"}))
		ReconciliationTotal = registerOrReuse(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliation_total",
			Help:      "Count of reconciliation pipeline results by source and result.",
		}, []string{"source", "result"}))
		CourierAPILatency = registerOrReuse(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "courier_api_duration_ms",
			Help:      "Latency of courier provider API calls in milliseconds.",
			Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"operation", "result"}))
		TokenRefreshTotal = registerOrReuse(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "courier_token_refresh_total",
			Help:      "Count of provider token refresh attempts by outcome.",
		}, []string{"result"}))
		DeadLetterTotal = registerOrReuse[prometheus.Counter](reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "courier_dead_letter_total",
			Help:      "Number of courier events stored for manual reconciliation.",
		}))
	})
}
