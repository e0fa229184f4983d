package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the proxy.
type Metrics struct {
	RequestTotal      *prometheus.CounterVec
	RequestDurationMs *prometheus.HistogramVec
	RouteDecisions    *prometheus.CounterVec
	PaymentChallenges *prometheus.CounterVec
	PreAuthLookups    *prometheus.CounterVec
	DedupLookups      *prometheus.CounterVec
	FallbackAttempts  *prometheus.CounterVec
	SavingsUSDTotal   prometheus.Counter
}

// NewMetrics creates and registers all metrics on the given registerer; nil
// uses the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		RequestTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clawrouter_request_total",
			Help: "Total requests processed by the proxy.",
		}, []string{"model", "tier", "status", "stream"}),

		RequestDurationMs: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clawrouter_request_duration_ms",
			Help:    "Total request duration in milliseconds, upstream latency included.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
		}, []string{"model", "stream"}),

		RouteDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clawrouter_route_decisions_total",
			Help: "Routing decisions by tier and method.",
		}, []string{"tier", "method"}),

		PaymentChallenges: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clawrouter_payment_challenges_total",
			Help: "402 challenges observed, by outcome.",
		}, []string{"outcome"}),

		PreAuthLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clawrouter_preauth_lookups_total",
			Help: "Pre-auth cache lookups.",
		}, []string{"result"}),

		DedupLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clawrouter_dedup_lookups_total",
			Help: "Dedup cache lookups.",
		}, []string{"result"}),

		FallbackAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clawrouter_fallback_attempts_total",
			Help: "Upstream attempts advanced to a fallback model.",
		}, []string{"from", "to"}),

		SavingsUSDTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "clawrouter_savings_usd_total",
			Help: "Estimated USD saved versus the baseline reasoning model.",
		}),
	}
}
