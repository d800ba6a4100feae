// Package maintenance holds the housekeeping jobs: inventory alerts,
// analytics rollups, price refreshes, scheduled reports and broker
// retention.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"tenantflow/internal/domain"
	"tenantflow/internal/fanout"
	"tenantflow/internal/metrics"
	"tenantflow/internal/nextrun"
	"tenantflow/internal/scheduling"
)

const Name = "maintenance"

type TenantLister interface {
	ListTenantIDs(ctx context.Context) ([]string, error)
}

type StockAlerter interface {
	SendLowStockAlerts(ctx context.Context, tenantID string) error
}

type AnalyticsAggregator interface {
	AggregateAnalytics(ctx context.Context, tenantID string, day time.Time) error
}

type PriceRefresher interface {
	RefreshPrices(ctx context.Context, tenantID string) error
}

type ReportStore interface {
	DueReportSchedules(ctx context.Context, now time.Time, limit int) ([]domain.ReportSchedule, error)
	SetReportNextRun(ctx context.Context, id string, prev *time.Time, next time.Time) (bool, error)
}

type Reporter interface {
	SendReport(ctx context.Context, s domain.ReportSchedule) error
}

// Pruner applies broker retention.
type Pruner interface {
	Prune(ctx context.Context, now time.Time) (int, error)
}

// Deps are the collaborators of the family.
type Deps struct {
	Tenants   TenantLister
	Stock     StockAlerter
	Analytics AnalyticsAggregator
	Prices    PriceRefresher
	Reports   ReportStore
	Reporter  Reporter
	Pruner    Pruner
}

const reportBatch = 100

type Family struct {
	deps    Deps
	runner  *fanout.Runner
	log     zerolog.Logger
	metrics metrics.Sink
	now     func() time.Time
}

func New(deps Deps, runner *fanout.Runner, log zerolog.Logger, sink metrics.Sink) *Family {
	if sink == nil {
		sink = metrics.NoopSink{}
	}
	return &Family{
		deps:    deps,
		runner:  runner,
		log:     log.With().Str("family", Name).Logger(),
		metrics: sink,
		now:     time.Now,
	}
}

func (f *Family) Name() string { return Name }

func (f *Family) Tasks() []scheduling.Task {
	cron := func(name domain.JobName, expr string, run scheduling.RunFunc) scheduling.Task {
		return scheduling.Task{Definition: scheduling.Definition{Name: name, Kind: scheduling.KindCron, Cron: expr}, Run: run}
	}
	return []scheduling.Task{
		cron(domain.JobLowStockAlerts, "0 8 * * *", f.DispatchLowStockAlerts),
		cron(domain.JobAnalyticsRollup, "30 1 * * *", f.DispatchAnalyticsRollup),
		cron(domain.JobPriceRefresh, "0 */6 * * *", f.DispatchPriceRefresh),
		{
			Definition: scheduling.Definition{Name: domain.JobReportSchedules, Kind: scheduling.KindFixedInterval, Every: 5 * time.Minute},
			Run:        f.DispatchReportSchedules,
		},
		cron(domain.JobPruneJobs, "15 * * * *", f.DispatchPruneJobs),
	}
}

func (f *Family) fanOut(ctx context.Context, name domain.JobName, fn fanout.UnitFunc) error {
	ids, err := f.deps.Tenants.ListTenantIDs(ctx)
	if err != nil {
		return fmt.Errorf("list tenants: %w", err)
	}
	f.runner.Run(ctx, name.String(), ids, fn)
	return nil
}

func (f *Family) DispatchLowStockAlerts(ctx context.Context) error {
	return f.fanOut(ctx, domain.JobLowStockAlerts, f.deps.Stock.SendLowStockAlerts)
}

// DispatchAnalyticsRollup aggregates the previous UTC day for every tenant.
func (f *Family) DispatchAnalyticsRollup(ctx context.Context) error {
	y, m, d := f.now().UTC().Date()
	day := time.Date(y, m, d-1, 0, 0, 0, 0, time.UTC)
	return f.fanOut(ctx, domain.JobAnalyticsRollup, func(ctx context.Context, tenantID string) error {
		return f.deps.Analytics.AggregateAnalytics(ctx, tenantID, day)
	})
}

func (f *Family) DispatchPriceRefresh(ctx context.Context) error {
	return f.fanOut(ctx, domain.JobPriceRefresh, f.deps.Prices.RefreshPrices)
}

// DispatchReportSchedules sends every due report and moves its schedule to
// the next occurrence. A schedule whose report fails keeps its next run and
// is picked up again by the following tick.
func (f *Family) DispatchReportSchedules(ctx context.Context) error {
	now := f.now()
	due, err := f.deps.Reports.DueReportSchedules(ctx, now, reportBatch)
	if err != nil {
		return fmt.Errorf("select due report schedules: %w", err)
	}

	const sweepName = "report-schedules"
	for _, s := range due {
		l := f.log.With().Str("row_id", s.ID).Str("account_id", s.AccountID).Logger()

		next, err := nextrun.Calculate(s, now)
		if err != nil {
			f.metrics.SweepRow(sweepName, metrics.OutcomeFailed)
			l.Error().Err(err).Msg("invalid report schedule")
			continue
		}
		if err := f.deps.Reporter.SendReport(ctx, s); err != nil {
			f.metrics.SweepRow(sweepName, metrics.OutcomeFailed)
			l.Error().Err(err).Msg("send report")
			continue
		}
		ok, err := f.deps.Reports.SetReportNextRun(ctx, s.ID, s.NextRunAt, next)
		switch {
		case err != nil:
			f.metrics.SweepRow(sweepName, metrics.OutcomeFailed)
			l.Error().Err(err).Msg("advance report schedule")
		case !ok:
			f.metrics.SweepRow(sweepName, metrics.OutcomeSkipped)
			l.Warn().Msg("report schedule moved concurrently")
		default:
			f.metrics.SweepRow(sweepName, metrics.OutcomeSuccess)
			l.Info().Time("next_run_at", next).Msg("report sent")
		}
	}
	return nil
}

func (f *Family) DispatchPruneJobs(ctx context.Context) error {
	n, err := f.deps.Pruner.Prune(ctx, f.now())
	if err != nil {
		return fmt.Errorf("prune jobs: %w", err)
	}
	f.log.Info().Int("removed", n).Msg("broker retention applied")
	return nil
}
