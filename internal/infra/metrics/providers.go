package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(
		providerCallsLatencyMs,
		providerBreakerState,
		providerBreakerTransitions,
		providerSelections,
	)
}

var (
	providerCallsLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provider_calls_latency_ms",
			Help:    "Provider call latency distribution in milliseconds, including retries.",
			Buckets: []float64{10, 25, 50, 100, 200, 400, 800, 1600, 3000, 5000, 10000, 30000},
		},
		[]string{"provider", "success"},
	)

	providerBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "provider_breaker_state",
			Help: "Circuit breaker state per provider (0=closed, 1=open, 2=half_open).",
		},
		[]string{"provider"},
	)

	providerBreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_breaker_transitions_total",
			Help: "Circuit breaker state changes per provider and target state.",
		},
		[]string{"provider", "to"},
	)

	providerSelections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_selections_total",
			Help: "Fallback router selections per capability and chosen provider.",
		},
		[]string{"capability", "provider"},
	)
)

func ObserveProviderCall(provider string, latencyMs int64, success bool) {
	providerCallsLatencyMs.WithLabelValues(norm(provider), strconv.FormatBool(success)).
		Observe(float64(latencyMs))
}

func SetBreakerState(provider string, state int, stateName string) {
	providerBreakerState.WithLabelValues(norm(provider)).Set(float64(state))
	providerBreakerTransitions.WithLabelValues(norm(provider), norm(stateName)).Inc()
}

func IncProviderSelection(capability, provider string) {
	providerSelections.WithLabelValues(norm(capability), norm(provider)).Inc()
}
