package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if matchLabels(m.GetLabel(), labels) {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func matchLabels(pairs []*dto.LabelPair, want map[string]string) bool {
	if len(pairs) != len(want) {
		return false
	}
	for _, p := range pairs {
		if v, ok := want[p.GetName()]; !ok || v != p.GetValue() {
			return false
		}
	}
	return true
}

func TestPrometheusSink_JobLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := NewPrometheusSink(reg)

	s.JobStarted("scheduler", "ad-alerts")
	s.JobCompleted("scheduler", "ad-alerts", 120*time.Millisecond)
	s.JobFailed("scheduler", "ad-alerts", false)
	s.JobFailed("scheduler", "ad-alerts", true)
	s.UnknownJob("legacy-job")

	if got := counterValue(t, reg, "tenantflow_jobs_started_total", map[string]string{"queue": "scheduler", "job": "ad-alerts"}); got != 1 {
		t.Errorf("started = %v, want 1", got)
	}
	if got := counterValue(t, reg, "tenantflow_jobs_completed_total", map[string]string{"queue": "scheduler", "job": "ad-alerts"}); got != 1 {
		t.Errorf("completed = %v, want 1", got)
	}
	if got := counterValue(t, reg, "tenantflow_jobs_failed_total", map[string]string{"queue": "scheduler", "job": "ad-alerts", "final": "true"}); got != 1 {
		t.Errorf("final failures = %v, want 1", got)
	}
	if got := counterValue(t, reg, "tenantflow_unknown_jobs_total", map[string]string{"job": "legacy-job"}); got != 1 {
		t.Errorf("unknown = %v, want 1", got)
	}
}

func TestPrometheusSink_DispatchAndSweeps(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := NewPrometheusSink(reg)

	s.TenantUnit("low-stock-alerts", OutcomeOf(nil))
	s.TenantUnit("low-stock-alerts", OutcomeOf(errors.New("x")))
	s.TenantUnit("low-stock-alerts", OutcomeOf(errors.New("y")))
	s.DedupSkipped("tenant-sync")
	s.SweepRow("snooze", OutcomeSuccess)

	if got := counterValue(t, reg, "tenantflow_tenant_units_total", map[string]string{"task": "low-stock-alerts", "outcome": OutcomeFailed}); got != 2 {
		t.Errorf("failed units = %v, want 2", got)
	}
	if got := counterValue(t, reg, "tenantflow_dedup_skipped_total", map[string]string{"job": "tenant-sync"}); got != 1 {
		t.Errorf("dedup skipped = %v, want 1", got)
	}
	if got := counterValue(t, reg, "tenantflow_sweep_rows_total", map[string]string{"sweep": "snooze", "outcome": OutcomeSuccess}); got != 1 {
		t.Errorf("sweep rows = %v, want 1", got)
	}
}

func TestPrometheusSink_DoubleRegistrationDoesNotPanic(t *testing.T) {
	reg := prometheus.NewRegistry()
	_ = NewPrometheusSink(reg)
	s := NewPrometheusSink(reg)
	s.JobStarted("q", "j")
}

func TestNoopSink_AllMethods(t *testing.T) {
	var s Sink = NoopSink{}
	s.JobStarted("q", "j")
	s.JobCompleted("q", "j", time.Second)
	s.JobFailed("q", "j", true)
	s.UnknownJob("j")
	s.TenantUnit("t", OutcomeSkipped)
	s.DedupSkipped("j")
	s.SweepRow("s", OutcomeFailed)
}
