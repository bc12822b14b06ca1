package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(cacheRequestsTotal, dedupClaimsTotal) }

var (
	cacheRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_requests_total",
			Help: "Tracks cache hits and misses for various caches.",
		},
		[]string{"cache", "result"}, // e.g., cache="job_status", result="hit"
	)

	dedupClaimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dedup_claims_total",
			Help: "Dedup claim attempts by store and outcome (acquired, done, busy).",
		},
		[]string{"store", "outcome"},
	)
)

func IncCacheRequest(cacheName, result string) {
	cacheRequestsTotal.WithLabelValues(norm(cacheName), norm(result)).Inc()
}

func IncDedupClaim(store, outcome string) {
	dedupClaimsTotal.WithLabelValues(norm(store), norm(outcome)).Inc()
}
