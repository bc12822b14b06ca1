package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(jobStoreConns, jobStoreMaxConns) }

var (
	jobStoreConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "reconciler",
			Subsystem: "job_store",
			Name:      "connections",
			Help:      "Connections of the job store pool by state (idle, acquired, constructing).",
		},
		[]string{"state"},
	)

	jobStoreMaxConns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "reconciler",
			Subsystem: "job_store",
			Name:      "max_connections",
			Help:      "Configured size limit of the job store pool.",
		},
	)
)

// JobStorePool is a point-in-time view of the job store's connection pool.
type JobStorePool struct {
	Max, Idle, Acquired, Constructing int32
}

func ObserveJobStorePool(p JobStorePool) {
	jobStoreMaxConns.Set(float64(p.Max))
	jobStoreConns.WithLabelValues("idle").Set(float64(p.Idle))
	jobStoreConns.WithLabelValues("acquired").Set(float64(p.Acquired))
	jobStoreConns.WithLabelValues("constructing").Set(float64(p.Constructing))
}
