package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(callbacksTotal) }

var callbacksTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "callbacks_total",
		Help: "Inbound provider callbacks by provider and outcome.",
	},
	[]string{"provider", "outcome"}, // processed, duplicate, in_flight, not_found, error
)

func IncCallback(provider, outcome string) {
	callbacksTotal.WithLabelValues(norm(provider), norm(outcome)).Inc()
}
