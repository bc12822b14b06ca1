package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(jobsTransitionsTotal, jobsSubmittedTotal, jobsAbandonedTotal) }

var (
	jobsTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_transitions_total",
			Help: "Job status transitions, labeled by kind and target status.",
		},
		[]string{"kind", "status"},
	)

	jobsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_submitted_total",
			Help: "Submission attempts by kind and outcome (accepted, unavailable, rejected, error).",
		},
		[]string{"kind", "outcome"},
	)

	jobsAbandonedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_abandoned_total",
			Help: "Jobs failed by the abandonment sweeper after exceeding their TTL.",
		},
	)
)

func IncJobTransition(kind, status string) {
	jobsTransitionsTotal.WithLabelValues(norm(kind), norm(status)).Inc()
}

func IncJobSubmitted(kind, outcome string) {
	jobsSubmittedTotal.WithLabelValues(norm(kind), norm(outcome)).Inc()
}

func AddJobsAbandoned(n int) {
	jobsAbandonedTotal.Add(float64(n))
}
