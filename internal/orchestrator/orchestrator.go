// Package orchestrator wires the task families to the scheduling backends
// and to the single worker on the shared scheduler queue.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"tenantflow/internal/domain"
	"tenantflow/internal/metrics"
	"tenantflow/internal/scheduling"
	"tenantflow/internal/worker"
)

// Family owns a disjoint set of recurring tasks.
type Family interface {
	Name() string
	Tasks() []scheduling.Task
}

// Starter is implemented by families that run something of their own, such
// as a worker on a family queue.
type Starter interface {
	Start(ctx context.Context) (scheduling.Handle, error)
}

type Options struct {
	// Concurrency of the scheduler queue worker.
	Concurrency int
	// Scheduler overrides the durable/timer backends. When nil the
	// orchestrator builds them over the scheduler queue and also removes
	// repeatables no family declares.
	Scheduler   scheduling.Scheduler
}

type Orchestrator struct {
	workers  *worker.Factory
	families []Family
	router   *Router
	opts     Options
	log      zerolog.Logger

	mu      sync.Mutex
	started bool
	handles []scheduling.Handle
}

// New validates every task definition and builds the router.
func New(workers *worker.Factory, opts Options, log zerolog.Logger, sink metrics.Sink, families ...Family) (*Orchestrator, error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 5
	}
	for _, f := range families {
		for _, t := range f.Tasks() {
			if err := t.Validate(); err != nil {
				return nil, fmt.Errorf("family %s: %w", f.Name(), err)
			}
		}
	}
	router, err := NewRouter(log, sink, families...)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{workers: workers, families: families, router: router, opts: opts, log: log}, nil
}

// Start registers durable definitions, arms timers, starts family workers and
// finally the scheduler queue worker. If any step fails everything already
// started is stopped and the error returned.
func (o *Orchestrator) Start(ctx context.Context) (err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return errors.New("orchestrator already started")
	}

	defer func() {
		if err != nil {
			if serr := o.stopLocked(context.WithoutCancel(ctx)); serr != nil {
				o.log.Error().Err(serr).Msg("rollback after failed start")
			}
		}
	}()

	sched := o.opts.Scheduler
	var durable *scheduling.DurableBackend
	if sched == nil {
		q, err := o.workers.Queue(ctx, domain.SchedulerQueue)
		if err != nil {
			return fmt.Errorf("scheduler queue: %w", err)
		}
		durable = scheduling.NewDurableBackend(q, o.log)
		sched = scheduling.Mux{Durable: durable, Timer: scheduling.NewTimerBackend(o.log)}
	}

	var declared []scheduling.Definition
	for _, f := range o.families {
		for _, t := range f.Tasks() {
			if !t.Durable() {
				continue
			}
			if err := o.schedule(ctx, sched, f, t); err != nil {
				return err
			}
			declared = append(declared, t.Definition)
		}
	}
	if durable != nil {
		if _, err := durable.Reconcile(ctx, declared); err != nil {
			return fmt.Errorf("reconcile repeatables: %w", err)
		}
	}

	for _, f := range o.families {
		for _, t := range f.Tasks() {
			if t.Durable() {
				continue
			}
			if err := o.schedule(ctx, sched, f, t); err != nil {
				return err
			}
		}
	}

	for _, f := range o.families {
		s, ok := f.(Starter)
		if !ok {
			continue
		}
		h, err := s.Start(ctx)
		if err != nil {
			return fmt.Errorf("start %s: %w", f.Name(), err)
		}
		o.handles = append(o.handles, h)
	}

	pool, err := o.workers.CreateWorker(ctx, domain.SchedulerQueue, o.router, o.opts.Concurrency)
	if err != nil {
		return fmt.Errorf("start scheduler worker: %w", err)
	}
	o.handles = append(o.handles, scheduling.HandleFunc(pool.Close))

	o.started = true
	o.log.Info().Int("families", len(o.families)).Int("jobs", len(o.router.routes)).Msg("orchestrator started")
	return nil
}

func (o *Orchestrator) schedule(ctx context.Context, sched scheduling.Scheduler, f Family, t scheduling.Task) error {
	h, err := sched.ScheduleRepeating(ctx, t.Definition, t.Run)
	if err != nil {
		return fmt.Errorf("family %s: schedule %s: %w", f.Name(), t.Name, err)
	}
	o.handles = append(o.handles, h)
	return nil
}

// Stop releases everything Start acquired, newest first.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	err := o.stopLocked(ctx)
	o.started = false
	o.log.Info().Msg("orchestrator stopped")
	return err
}

func (o *Orchestrator) stopLocked(ctx context.Context) error {
	var errs []error
	for i := len(o.handles) - 1; i >= 0; i-- {
		if err := o.handles[i].Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	o.handles = nil
	return errors.Join(errs...)
}
