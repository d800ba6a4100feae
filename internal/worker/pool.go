package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"tenantflow/internal/domain"
	"tenantflow/internal/metrics"
	"tenantflow/internal/queue"
)

// Handler processes one job. Returning an error hands the job back to the
// broker's retry policy; handlers never retry on their own.
type Handler interface {
	Handle(ctx context.Context, job domain.Job) error
}

type HandlerFunc func(ctx context.Context, job domain.Job) error

func (f HandlerFunc) Handle(ctx context.Context, job domain.Job) error { return f(ctx, job) }

// Pool pulls jobs from one queue and runs them with bounded concurrency.
type Pool struct {
	queue     *queue.Queue
	handler   Handler
	group     *Group
	pollEvery time.Duration
	leaseFor  time.Duration
	log       zerolog.Logger
	metrics   metrics.Sink
	now       func() time.Time

	stop chan struct{}
	done chan struct{}
}

func NewPool(q *queue.Queue, h Handler, concurrency int, opts Options, log zerolog.Logger, sink metrics.Sink) *Pool {
	opts = opts.withDefaults()
	if sink == nil {
		sink = metrics.NoopSink{}
	}
	return &Pool{
		queue:     q,
		handler:   h,
		group:     NewGroup(concurrency),
		pollEvery: opts.PollEvery,
		leaseFor:  opts.LeaseFor,
		log:       log.With().Str("queue", q.Name()).Logger(),
		metrics:   sink,
		now:       opts.Clock,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Run polls until ctx is cancelled or Close is called, then waits for
// in-flight jobs.
func (p *Pool) Run(ctx context.Context) {
	defer close(p.done)
	t := time.NewTicker(p.pollEvery)
	defer t.Stop()

	p.log.Info().Int("concurrency", p.group.Size()).Dur("poll", p.pollEvery).Msg("worker started")
	for {
		select {
		case <-ctx.Done():
			p.group.Wait()
			return
		case <-p.stop:
			p.group.Wait()
			return
		case <-t.C:
			p.Poll(ctx, p.now())
		}
	}
}

// Close stops polling and waits for in-flight jobs or ctx.
func (p *Pool) Close(ctx context.Context) error {
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
	select {
	case <-p.done:
		p.log.Info().Msg("worker stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Poll promotes due repeatables and starts as many due jobs as there are
// free slots.
func (p *Pool) Poll(ctx context.Context, now time.Time) {
	if n, err := p.queue.RecoverStale(ctx, now); err != nil {
		p.log.Error().Err(err).Msg("recover stale jobs")
	} else if n > 0 {
		p.log.Warn().Int("recovered", n).Msg("requeued jobs with expired leases")
	}
	if _, err := p.queue.Promote(ctx, now); err != nil {
		p.log.Error().Err(err).Msg("promote repeatable jobs")
	}

	for p.group.TryAcquire() {
		job, err := p.queue.Lease(ctx, now, p.leaseFor)
		if err != nil {
			p.group.Release()
			if !errors.Is(err, queue.ErrEmpty) {
				p.log.Error().Err(err).Msg("lease job")
			}
			return
		}
		p.group.Go(func() { p.process(ctx, job) })
	}
}

func (p *Pool) process(ctx context.Context, job domain.Job) {
	l := p.log.With().Str("job", job.Name).Str("job_id", job.ID).Int("attempt", job.Attempts+1).Logger()
	l.Info().Msg("job started")
	p.metrics.JobStarted(job.Queue, job.Name)

	start := time.Now()
	jctx, cancel := context.WithTimeout(ctx, p.leaseFor)
	err := p.invoke(jctx, job)
	cancel()

	// Bookkeeping must land even when shutdown cancelled ctx.
	bctx := context.WithoutCancel(ctx)
	if err == nil {
		if cerr := p.queue.Complete(bctx, job.ID, p.now()); cerr != nil {
			l.Error().Err(cerr).Msg("mark job completed")
		}
		p.metrics.JobCompleted(job.Queue, job.Name, time.Since(start))
		l.Info().Dur("took", time.Since(start)).Msg("job completed")
		return
	}

	final, ferr := p.queue.Fail(bctx, job.ID, err.Error(), p.now())
	if ferr != nil {
		l.Error().Err(ferr).Msg("mark job failed")
	}
	p.metrics.JobFailed(job.Queue, job.Name, final)
	ev := l.Warn()
	if final {
		ev = l.Error()
	}
	ev.Err(err).Bool("final", final).Dur("took", time.Since(start)).Msg("job failed")
}

func (p *Pool) invoke(ctx context.Context, job domain.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			p.log.Error().Str("job_id", job.ID).Str("stack", string(debug.Stack())).Msg("job handler panicked")
		}
	}()
	return p.handler.Handle(ctx, job)
}
