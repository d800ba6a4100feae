package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"tenantflow/internal/metrics"
	"tenantflow/internal/queue"
)

// Options tune every worker created by a Factory.
type Options struct {
	PollEvery time.Duration
	// LeaseFor bounds one handler invocation; an expired lease is requeued.
	LeaseFor  time.Duration
	Clock     func() time.Time
}

func (o Options) withDefaults() Options {
	if o.PollEvery <= 0 {
		o.PollEvery = time.Second
	}
	if o.LeaseFor <= 0 {
		o.LeaseFor = 15 * time.Minute
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// Factory creates queues and workers against one broker.
type Factory struct {
	broker  *queue.Broker
	opts    Options
	log     zerolog.Logger
	metrics metrics.Sink
}

func NewFactory(b *queue.Broker, opts Options, log zerolog.Logger, sink metrics.Sink) *Factory {
	if sink == nil {
		sink = metrics.NoopSink{}
	}
	return &Factory{broker: b, opts: opts.withDefaults(), log: log, metrics: sink}
}

// Queue returns the memoized queue handle for name.
func (f *Factory) Queue(ctx context.Context, name string) (*queue.Queue, error) {
	return f.broker.GetQueue(ctx, name)
}

// CreateWorker starts a pool on the named queue. The pool runs until ctx is
// cancelled or it is closed.
func (f *Factory) CreateWorker(ctx context.Context, name string, h Handler, concurrency int) (*Pool, error) {
	q, err := f.broker.GetQueue(ctx, name)
	if err != nil {
		return nil, err
	}
	p := NewPool(q, h, concurrency, f.opts, f.log, f.metrics)
	go p.Run(ctx)
	return p, nil
}
