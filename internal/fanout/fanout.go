// Package fanout applies one task to every tenant of a tick with per-tenant
// failure isolation.
package fanout

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"tenantflow/internal/metrics"
	"tenantflow/internal/worker"
)

// UnitFunc is the per-tenant unit of work.
type UnitFunc func(ctx context.Context, tenantID string) error

// Options configure a Runner.
type Options struct {
	// Concurrency bounds how many tenants run at once. Zero means one.
	Concurrency int
	// RatePerSec paces unit starts. Zero disables pacing.
	RatePerSec float64
	// TenantTimeout bounds one unit. Zero disables the timeout.
	TenantTimeout time.Duration
}

// Result summarizes one fan-out.
type Result struct {
	Total     int
	Succeeded int
	Failed    int
	Skipped   int
}

func (r Result) String() string {
	return fmt.Sprintf("total=%d ok=%d failed=%d skipped=%d", r.Total, r.Succeeded, r.Failed, r.Skipped)
}

// Runner runs UnitFuncs across tenants. It is safe for concurrent use; each
// Run gets its own concurrency limit.
type Runner struct {
	opts    Options
	limiter *rate.Limiter
	log     zerolog.Logger
	metrics metrics.Sink
}

func NewRunner(opts Options, log zerolog.Logger, sink metrics.Sink) *Runner {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if sink == nil {
		sink = metrics.NoopSink{}
	}
	r := &Runner{opts: opts, log: log, metrics: sink}
	if opts.RatePerSec > 0 {
		burst := int(opts.RatePerSec)
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), burst)
	}
	return r
}

// Run invokes fn once per tenant. A failing or panicking unit is logged with
// its tenant id and never stops the others. Units not started before ctx is
// done are counted as skipped.
func (r *Runner) Run(ctx context.Context, task string, tenantIDs []string, fn UnitFunc) Result {
	res := Result{Total: len(tenantIDs)}
	if len(tenantIDs) == 0 {
		return res
	}

	var mu sync.Mutex
	record := func(tenantID string, err error) {
		r.metrics.TenantUnit(task, metrics.OutcomeOf(err))
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			res.Failed++
			r.log.Error().Err(err).Str("task", task).Str("tenant_id", tenantID).Msg("tenant unit failed")
			return
		}
		res.Succeeded++
	}

	g := worker.NewGroup(r.opts.Concurrency)
	for i, id := range tenantIDs {
		if err := r.wait(ctx, g); err != nil {
			skipped := len(tenantIDs) - i
			mu.Lock()
			res.Skipped += skipped
			mu.Unlock()
			for j := 0; j < skipped; j++ {
				r.metrics.TenantUnit(task, metrics.OutcomeSkipped)
			}
			r.log.Warn().Err(err).Str("task", task).Int("skipped", skipped).Msg("fan-out interrupted")
			break
		}
		tenantID := id
		g.Go(func() { record(tenantID, r.invoke(ctx, tenantID, fn)) })
	}
	g.Wait()

	r.log.Info().Str("task", task).Int("tenants", res.Total).Int("failed", res.Failed).Int("skipped", res.Skipped).Msg("fan-out finished")
	return res
}

func (r *Runner) wait(ctx context.Context, g *worker.Group) error {
	if err := g.Acquire(ctx); err != nil {
		return err
	}
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			g.Release()
			return err
		}
	}
	return nil
}

func (r *Runner) invoke(ctx context.Context, tenantID string, fn UnitFunc) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
			r.log.Error().Str("tenant_id", tenantID).Str("stack", string(debug.Stack())).Msg("tenant unit panicked")
		}
	}()
	if r.opts.TenantTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.TenantTimeout)
		defer cancel()
	}
	return fn(ctx, tenantID)
}
