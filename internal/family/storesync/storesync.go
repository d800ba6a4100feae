// Package storesync keeps every tenant's store data in step with the
// commerce platform. Each tick enqueues one deduplicated sync per tenant on
// the store-sync queue, which this family also consumes.
package storesync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"tenantflow/internal/domain"
	"tenantflow/internal/fanout"
	"tenantflow/internal/metrics"
	"tenantflow/internal/queue"
	"tenantflow/internal/scheduling"
	"tenantflow/internal/worker"
)

const Name = "storesync"

type TenantLister interface {
	ListTenantIDs(ctx context.Context) ([]string, error)
}

type Syncer interface {
	RunSyncForTenant(ctx context.Context, tenantID string, opts domain.SyncOptions) error
}

// Payload is the body of a tenant-sync job.
type Payload struct {
	TenantID    string   `json:"tenant_id"`
	Incremental bool     `json:"incremental"`
	TaskTypes   []string `json:"task_types,omitempty"`
}

type Config struct {
	// Concurrency bounds tenant syncs running at once on this process.
	Concurrency int
	// TaskTypes restricts what a sync covers. Empty means everything.
	TaskTypes []string
}

type Family struct {
	tenants TenantLister
	syncer  Syncer
	workers *worker.Factory
	runner  *fanout.Runner
	cfg     Config
	log     zerolog.Logger
	metrics metrics.Sink
}

func New(tenants TenantLister, syncer Syncer, workers *worker.Factory, runner *fanout.Runner, cfg Config, log zerolog.Logger, sink metrics.Sink) *Family {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if sink == nil {
		sink = metrics.NoopSink{}
	}
	return &Family{
		tenants: tenants,
		syncer:  syncer,
		workers: workers,
		runner:  runner,
		cfg:     cfg,
		log:     log.With().Str("family", Name).Logger(),
		metrics: sink,
	}
}

func (f *Family) Name() string { return Name }

func (f *Family) Tasks() []scheduling.Task {
	return []scheduling.Task{
		{
			Definition: scheduling.Definition{Name: domain.JobSyncIncremental, Kind: scheduling.KindFixedInterval, Every: 15 * time.Minute},
			Run:        func(ctx context.Context) error { return f.Dispatch(ctx, true) },
		},
		{
			Definition: scheduling.Definition{Name: domain.JobSyncFull, Kind: scheduling.KindCron, Cron: "0 3 * * *"},
			Run:        func(ctx context.Context) error { return f.Dispatch(ctx, false) },
		},
	}
}

// Start runs the worker that consumes tenant-sync jobs.
func (f *Family) Start(ctx context.Context) (scheduling.Handle, error) {
	pool, err := f.workers.CreateWorker(ctx, domain.StoreSyncQueue, worker.HandlerFunc(f.handle), f.cfg.Concurrency)
	if err != nil {
		return nil, fmt.Errorf("start %s worker: %w", domain.StoreSyncQueue, err)
	}
	return scheduling.HandleFunc(pool.Close), nil
}

// Dispatch enqueues one sync per tenant, skipping tenants whose previous
// sync is still outstanding. Per-tenant failures are logged and do not fail
// the tick.
func (f *Family) Dispatch(ctx context.Context, incremental bool) error {
	q, err := f.workers.Queue(ctx, domain.StoreSyncQueue)
	if err != nil {
		return err
	}
	ids, err := f.tenants.ListTenantIDs(ctx)
	if err != nil {
		return fmt.Errorf("list tenants: %w", err)
	}

	task := domain.JobSyncFull.String()
	if incremental {
		task = domain.JobSyncIncremental.String()
	}
	res := f.runner.Run(ctx, task, ids, func(ctx context.Context, tenantID string) error {
		body, err := json.Marshal(Payload{TenantID: tenantID, Incremental: incremental, TaskTypes: f.cfg.TaskTypes})
		if err != nil {
			return err
		}
		added, err := scheduling.EnqueueDeduped(ctx, q, domain.JobTenantSync, tenantID, body, queue.JobOptions{})
		if err != nil {
			return fmt.Errorf("enqueue sync: %w", err)
		}
		if !added {
			f.metrics.DedupSkipped(domain.JobTenantSync.String())
			f.log.Info().Str("tenant_id", tenantID).Str("job_id", scheduling.DedupJobID(domain.JobTenantSync, tenantID)).
				Msg("sync still in flight, skipped")
		}
		return nil
	})
	f.log.Info().Bool("incremental", incremental).Stringer("result", res).Msg("sync dispatch finished")
	return nil
}

func (f *Family) handle(ctx context.Context, job domain.Job) error {
	if domain.JobName(job.Name) != domain.JobTenantSync {
		f.log.Warn().Str("job", job.Name).Str("job_id", job.ID).Msg("unexpected job on store-sync queue")
		return nil
	}
	var p Payload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decode sync payload: %w", err)
	}
	if p.TenantID == "" {
		return fmt.Errorf("sync job %s has no tenant id", job.ID)
	}
	return f.syncer.RunSyncForTenant(ctx, p.TenantID, domain.SyncOptions{Incremental: p.Incremental, TaskTypes: p.TaskTypes})
}
