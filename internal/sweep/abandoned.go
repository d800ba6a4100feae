package sweep

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"tenantflow/internal/domain"
	"tenantflow/internal/metrics"
)

type CartStore interface {
	// AbandonedCarts returns carts with items, idle since before idleBefore,
	// active after since and not yet notified.
	AbandonedCarts(ctx context.Context, idleBefore, since time.Time, limit int) ([]domain.CartSession, error)
	MarkCartNotified(ctx context.Context, id string, at time.Time) (bool, error)
	ClearCartNotified(ctx context.Context, id string) error
}

type CartNotifier interface {
	NotifyAbandonedCart(ctx context.Context, cart domain.CartSession) error
}

// AbandonedCarts fires the abandoned-cart trigger once per cart. The
// notified marker is set before the trigger and cleared again if it fails.
type AbandonedCarts struct {
	store    CartStore
	notifier CartNotifier
	idle     time.Duration
	lookback time.Duration
	limit    int
	log      zerolog.Logger
	metrics  metrics.Sink
}

type AbandonedOptions struct {
	Idle     time.Duration
	Lookback time.Duration
	Limit    int
}

func NewAbandonedCarts(store CartStore, notifier CartNotifier, opts AbandonedOptions, log zerolog.Logger, sink metrics.Sink) *AbandonedCarts {
	if opts.Idle <= 0 {
		opts.Idle = time.Hour
	}
	if opts.Lookback <= 0 {
		opts.Lookback = 24 * time.Hour
	}
	if opts.Limit <= 0 {
		opts.Limit = 100
	}
	return &AbandonedCarts{
		store:    store,
		notifier: notifier,
		idle:     opts.Idle,
		lookback: opts.Lookback,
		limit:    opts.Limit,
		log:      log,
		metrics:  sinkOrNoop(sink),
	}
}

func (a *AbandonedCarts) Run(ctx context.Context, now time.Time) (Result, error) {
	rows, err := a.store.AbandonedCarts(ctx, now.Add(-a.idle), now.Add(-a.lookback), a.limit)
	if err != nil {
		return Result{}, fmt.Errorf("select abandoned carts: %w", err)
	}
	rec := newRecorder("abandoned-carts", a.log, a.metrics, len(rows))
	for _, c := range rows {
		ok, err := a.store.MarkCartNotified(ctx, c.ID, now)
		if err != nil {
			rec.failed(c.ID, err, "mark cart notified")
			continue
		}
		if !ok {
			rec.skipped(c.ID)
			continue
		}
		if err := a.notifier.NotifyAbandonedCart(ctx, c); err != nil {
			rec.failed(c.ID, err, "notify abandoned cart")
			if cerr := a.store.ClearCartNotified(context.WithoutCancel(ctx), c.ID); cerr != nil {
				a.log.Error().Err(cerr).Str("sweep", "abandoned-carts").Str("row_id", c.ID).Str("tenant_id", c.TenantID).Msg("clear cart marker")
			}
			continue
		}
		rec.processed()
	}
	return rec.done(), nil
}
