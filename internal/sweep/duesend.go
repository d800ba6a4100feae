package sweep

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"tenantflow/internal/domain"
	"tenantflow/internal/metrics"
)

const EventMessageSent = "message.sent"

type MessageStore interface {
	DueScheduledMessages(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledMessage, error)
	// ClaimScheduledMessage clears scheduled_for if it is still set and
	// reports whether this caller cleared it.
	ClaimScheduledMessage(ctx context.Context, id string) (bool, error)
}

// Deliverer sends one message over its channel.
type Deliverer interface {
	Deliver(ctx context.Context, msg domain.ScheduledMessage) error
}

var errNoDeliverer = errors.New("no deliverer for channel")

// DueSend hands due scheduled messages to delivery exactly once. Delivery
// failures are logged and not retried.
type DueSend struct {
	store      MessageStore
	deliverers map[domain.Channel]Deliverer
	pub        Publisher
	limit      int
	log        zerolog.Logger
	metrics    metrics.Sink
}

func NewDueSend(store MessageStore, deliverers map[domain.Channel]Deliverer, pub Publisher, limit int, log zerolog.Logger, sink metrics.Sink) *DueSend {
	if limit <= 0 {
		limit = 50
	}
	return &DueSend{store: store, deliverers: deliverers, pub: pub, limit: limit, log: log, metrics: sinkOrNoop(sink)}
}

func (d *DueSend) Run(ctx context.Context, now time.Time) (Result, error) {
	rows, err := d.store.DueScheduledMessages(ctx, now, d.limit)
	if err != nil {
		return Result{}, fmt.Errorf("select due messages: %w", err)
	}
	rec := newRecorder("due-send", d.log, d.metrics, len(rows))
	for _, m := range rows {
		claimed, err := d.store.ClaimScheduledMessage(ctx, m.ID)
		if err != nil {
			rec.failed(m.ID, err, "claim scheduled message")
			continue
		}
		if !claimed {
			rec.skipped(m.ID)
			continue
		}
		// Claimed before routing: an unroutable row is a delivery failure.
		deliverer, ok := d.deliverers[m.Channel]
		if !ok {
			rec.failed(m.ID, fmt.Errorf("%w %q", errNoDeliverer, m.Channel), "resolve channel")
			continue
		}
		if err := deliverer.Deliver(ctx, m); err != nil {
			rec.failed(m.ID, err, "deliver scheduled message")
			continue
		}
		rec.processed()

		if m.ConversationID != "" && d.pub != nil {
			payload := map[string]any{"messageId": m.ID, "conversationId": m.ConversationID, "channel": m.Channel}
			if err := d.pub.Publish(ctx, "conversation:"+m.ConversationID, EventMessageSent, payload); err != nil {
				d.log.Warn().Err(err).Str("sweep", "due-send").Str("row_id", m.ID).Msg("publish failed")
			}
		}
	}
	return rec.done(), nil
}
