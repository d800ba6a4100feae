package sweep

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"tenantflow/internal/domain"
	"tenantflow/internal/metrics"
)

const EventConversationUnsnoozed = "conversation.unsnoozed"

type SnoozeStore interface {
	ExpiredSnoozes(ctx context.Context, now time.Time, limit int) ([]domain.Conversation, error)
	// Unsnooze moves a conversation from SNOOZED to OPEN if its snooze has
	// expired at now. It reports false when the row no longer qualifies.
	Unsnooze(ctx context.Context, id string, now time.Time) (bool, error)
}

// Snooze reopens conversations whose snooze expired and tells subscribers of
// the tenant and of the conversation.
type Snooze struct {
	store   SnoozeStore
	pub     Publisher
	limit   int
	log     zerolog.Logger
	metrics metrics.Sink
}

func NewSnooze(store SnoozeStore, pub Publisher, limit int, log zerolog.Logger, sink metrics.Sink) *Snooze {
	if limit <= 0 {
		limit = 200
	}
	return &Snooze{store: store, pub: pub, limit: limit, log: log, metrics: sinkOrNoop(sink)}
}

func (s *Snooze) Run(ctx context.Context, now time.Time) (Result, error) {
	rows, err := s.store.ExpiredSnoozes(ctx, now, s.limit)
	if err != nil {
		return Result{}, fmt.Errorf("select expired snoozes: %w", err)
	}
	rec := newRecorder("snooze", s.log, s.metrics, len(rows))
	for _, c := range rows {
		ok, err := s.store.Unsnooze(ctx, c.ID, now)
		if err != nil {
			rec.failed(c.ID, err, "unsnooze conversation")
			continue
		}
		if !ok {
			rec.skipped(c.ID)
			continue
		}
		rec.processed()
		if s.pub != nil {
			s.publish(ctx, c)
		}
	}
	return rec.done(), nil
}

func (s *Snooze) publish(ctx context.Context, c domain.Conversation) {
	payload := map[string]any{
		"conversationId": c.ID,
		"tenantId":       c.TenantID,
		"status":         domain.ConversationOpen,
	}
	for _, ch := range []string{"tenant:" + c.TenantID, "conversation:" + c.ID} {
		if err := s.pub.Publish(ctx, ch, EventConversationUnsnoozed, payload); err != nil {
			s.log.Warn().Err(err).Str("sweep", "snooze").Str("row_id", c.ID).Str("channel", ch).Msg("publish failed")
		}
	}
}
