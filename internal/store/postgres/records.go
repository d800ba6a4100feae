package postgres

import (
	"context"
	"time"

	"tenantflow/internal/domain"
)

// DueReportSchedules returns active schedules whose next run is unset or not
// after now.
func (s *Store) DueReportSchedules(ctx context.Context, now time.Time, limit int) ([]domain.ReportSchedule, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, account_id, frequency, time_of_day, day_of_week, day_of_month, timezone, next_run_at, is_active
FROM report_schedules
WHERE is_active AND (next_run_at IS NULL OR next_run_at <= $1)
ORDER BY next_run_at NULLS FIRST, id
LIMIT $2`, utc(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []domain.ReportSchedule
	for rows.Next() {
		var r domain.ReportSchedule
		var freq string
		if err := rows.Scan(
			&r.ID, &r.AccountID, &freq, &r.Time, &r.DayOfWeek, &r.DayOfMonth, &r.Timezone, &r.NextRunAt, &r.IsActive,
		); err != nil {
			return nil, err
		}
		r.Frequency = domain.Frequency(freq)
		res = append(res, r)
	}
	return res, rows.Err()
}

// SetReportNextRun advances a schedule from prev to next. It reports false if
// another caller already moved it.
func (s *Store) SetReportNextRun(ctx context.Context, id string, prev *time.Time, next time.Time) (bool, error) {
	return s.claimed(ctx, `
UPDATE report_schedules
SET next_run_at = $1
WHERE id = $2 AND next_run_at IS NOT DISTINCT FROM $3`, utc(next), id, prev)
}

func (s *Store) ExpiredSnoozes(ctx context.Context, now time.Time, limit int) ([]domain.Conversation, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, tenant_id, status, snoozed_until
FROM conversations
WHERE status = 'SNOOZED' AND snoozed_until <= $1
ORDER BY snoozed_until
LIMIT $2`, utc(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []domain.Conversation
	for rows.Next() {
		var c domain.Conversation
		var status string
		if err := rows.Scan(&c.ID, &c.TenantID, &status, &c.SnoozedUntil); err != nil {
			return nil, err
		}
		c.Status = domain.ConversationStatus(status)
		res = append(res, c)
	}
	return res, rows.Err()
}

// Unsnooze only ever moves SNOOZED to OPEN, and only once the snooze expired.
func (s *Store) Unsnooze(ctx context.Context, id string, now time.Time) (bool, error) {
	return s.claimed(ctx, `
UPDATE conversations
SET status = 'OPEN', snoozed_until = NULL, updated_at = $2
WHERE id = $1 AND status = 'SNOOZED' AND snoozed_until <= $2`, id, utc(now))
}

func (s *Store) DueScheduledMessages(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledMessage, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, tenant_id, conversation_id, channel, recipient, subject, body, scheduled_for
FROM scheduled_messages
WHERE scheduled_for IS NOT NULL AND scheduled_for <= $1
ORDER BY scheduled_for
LIMIT $2`, utc(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []domain.ScheduledMessage
	for rows.Next() {
		var m domain.ScheduledMessage
		var channel string
		if err := rows.Scan(
			&m.ID, &m.TenantID, &m.ConversationID, &channel, &m.Recipient, &m.Subject, &m.Body, &m.ScheduledFor,
		); err != nil {
			return nil, err
		}
		m.Channel = domain.Channel(channel)
		res = append(res, m)
	}
	return res, rows.Err()
}

// ClaimScheduledMessage clears scheduled_for. Only the caller that cleared it
// gets true.
func (s *Store) ClaimScheduledMessage(ctx context.Context, id string) (bool, error) {
	return s.claimed(ctx, `
UPDATE scheduled_messages SET scheduled_for = NULL
WHERE id = $1 AND scheduled_for IS NOT NULL`, id)
}

func (s *Store) AbandonedCarts(ctx context.Context, idleBefore, since time.Time, limit int) ([]domain.CartSession, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, tenant_id, customer_email, item_count, total, last_activity_at, abandoned_notified_at
FROM cart_sessions
WHERE item_count > 0
  AND abandoned_notified_at IS NULL
  AND last_activity_at < $1
  AND last_activity_at > $2
ORDER BY last_activity_at
LIMIT $3`, utc(idleBefore), utc(since), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []domain.CartSession
	for rows.Next() {
		var c domain.CartSession
		if err := rows.Scan(
			&c.ID, &c.TenantID, &c.CustomerEmail, &c.ItemCount, &c.Total, &c.LastActivityAt, &c.NotifiedAt,
		); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (s *Store) MarkCartNotified(ctx context.Context, id string, at time.Time) (bool, error) {
	return s.claimed(ctx, `
UPDATE cart_sessions SET abandoned_notified_at = $2
WHERE id = $1 AND abandoned_notified_at IS NULL`, id, utc(at))
}

func (s *Store) ClearCartNotified(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE cart_sessions SET abandoned_notified_at = NULL WHERE id = $1`, id)
	return err
}
