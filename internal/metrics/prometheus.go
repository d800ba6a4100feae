package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// PrometheusSink implements Sink using the Prometheus client library.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	jobsStarted   *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec
	jobsFailed    *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	unknownJobs   *prometheus.CounterVec

	tenantUnits  *prometheus.CounterVec
	dedupSkipped *prometheus.CounterVec

	sweepRows *prometheus.CounterVec
}

// NewPrometheusSink creates a sink registered on reg.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tenantflow_jobs_started_total",
			Help: "Jobs claimed by a worker.",
		}, []string{"queue", "job"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tenantflow_jobs_completed_total",
			Help: "Jobs whose handler returned successfully.",
		}, []string{"queue", "job"}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tenantflow_jobs_failed_total",
			Help: "Failed job attempts; final=true when no retries remain.",
		}, []string{"queue", "job", "final"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tenantflow_job_duration_seconds",
			Help:    "Handler duration in seconds.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"queue"}),
		unknownJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tenantflow_unknown_jobs_total",
			Help: "Jobs received by the router with no registered route.",
		}, []string{"job"}),
		tenantUnits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tenantflow_tenant_units_total",
			Help: "Per-tenant units of fan-out work by outcome.",
		}, []string{"task", "outcome"}),
		dedupSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tenantflow_dedup_skipped_total",
			Help: "Per-tenant enqueues skipped because the previous unit is still in flight.",
		}, []string{"job"}),
		sweepRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tenantflow_sweep_rows_total",
			Help: "Rows handled by time-driven sweeps by outcome.",
		}, []string{"sweep", "outcome"}),
	}

	s.register(reg, s.jobsStarted, "tenantflow_jobs_started_total")
	s.register(reg, s.jobsCompleted, "tenantflow_jobs_completed_total")
	s.register(reg, s.jobsFailed, "tenantflow_jobs_failed_total")
	s.register(reg, s.jobDuration, "tenantflow_job_duration_seconds")
	s.register(reg, s.unknownJobs, "tenantflow_unknown_jobs_total")
	s.register(reg, s.tenantUnits, "tenantflow_tenant_units_total")
	s.register(reg, s.dedupSkipped, "tenantflow_dedup_skipped_total")
	s.register(reg, s.sweepRows, "tenantflow_sweep_rows_total")
	return s
}

func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		log.Warn().Err(err).Str("metric", name).Msg("metrics: failed to register")
	}
}

func (s *PrometheusSink) JobStarted(queue, job string) {
	s.jobsStarted.WithLabelValues(queue, job).Inc()
}

func (s *PrometheusSink) JobCompleted(queue, job string, duration time.Duration) {
	s.jobsCompleted.WithLabelValues(queue, job).Inc()
	s.jobDuration.WithLabelValues(queue).Observe(duration.Seconds())
}

func (s *PrometheusSink) JobFailed(queue, job string, final bool) {
	label := "false"
	if final {
		label = "true"
	}
	s.jobsFailed.WithLabelValues(queue, job, label).Inc()
}

func (s *PrometheusSink) UnknownJob(name string) {
	s.unknownJobs.WithLabelValues(name).Inc()
}

func (s *PrometheusSink) TenantUnit(task, outcome string) {
	s.tenantUnits.WithLabelValues(task, outcome).Inc()
}

func (s *PrometheusSink) DedupSkipped(job string) {
	s.dedupSkipped.WithLabelValues(job).Inc()
}

func (s *PrometheusSink) SweepRow(sweep, outcome string) {
	s.sweepRows.WithLabelValues(sweep, outcome).Inc()
}
