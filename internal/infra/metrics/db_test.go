//go:build !integration

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestObserveJobStorePool(t *testing.T) {
	ObserveJobStorePool(JobStorePool{Max: 10, Idle: 3, Acquired: 6, Constructing: 1})

	reg := prometheus.NewPedanticRegistry()
	reg.MustRegister(jobStoreConns, jobStoreMaxConns)
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	got := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			key := mf.GetName()
			for _, lp := range m.GetLabel() {
				key += "{" + lp.GetName() + "=" + lp.GetValue() + "}"
			}
			got[key] = m.GetGauge().GetValue()
		}
	}

	want := map[string]float64{
		"reconciler_job_store_max_connections":                 10,
		"reconciler_job_store_connections{state=idle}":         3,
		"reconciler_job_store_connections{state=acquired}":     6,
		"reconciler_job_store_connections{state=constructing}": 1,
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s: expected %v, got %v (all: %v)", k, v, got[k], got)
		}
	}
}
