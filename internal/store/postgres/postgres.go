// Package postgres stores the tenant-owned records the scheduler reads and
// mutates. Every mutation used by a sweep is a conditional update so that a
// row is claimed by exactly one caller.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Open parses dsn, connects and pings.
func Open(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS tenants (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  deleted_at TIMESTAMPTZ
);`,
		`CREATE TABLE IF NOT EXISTS mail_accounts (
  id TEXT PRIMARY KEY,
  tenant_id TEXT NOT NULL REFERENCES tenants(id),
  is_active BOOLEAN NOT NULL DEFAULT TRUE
);`,
		`CREATE TABLE IF NOT EXISTS report_schedules (
  id TEXT PRIMARY KEY,
  account_id TEXT NOT NULL,
  frequency TEXT NOT NULL,
  time_of_day TEXT NOT NULL,
  day_of_week INT,
  day_of_month INT,
  timezone TEXT NOT NULL DEFAULT '',
  next_run_at TIMESTAMPTZ,
  is_active BOOLEAN NOT NULL DEFAULT TRUE
);`,
		`CREATE TABLE IF NOT EXISTS conversations (
  id TEXT PRIMARY KEY,
  tenant_id TEXT NOT NULL REFERENCES tenants(id),
  status TEXT NOT NULL,
  snoozed_until TIMESTAMPTZ,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  CHECK (status <> 'SNOOZED' OR snoozed_until IS NOT NULL)
);`,
		`CREATE TABLE IF NOT EXISTS scheduled_messages (
  id TEXT PRIMARY KEY,
  tenant_id TEXT NOT NULL REFERENCES tenants(id),
  conversation_id TEXT NOT NULL DEFAULT '',
  channel TEXT NOT NULL CHECK (channel IN ('EMAIL','SMS','CHAT')),
  recipient TEXT NOT NULL,
  subject TEXT NOT NULL DEFAULT '',
  body TEXT NOT NULL,
  scheduled_for TIMESTAMPTZ
);`,
		`CREATE TABLE IF NOT EXISTS cart_sessions (
  id TEXT PRIMARY KEY,
  tenant_id TEXT NOT NULL REFERENCES tenants(id),
  customer_email TEXT NOT NULL DEFAULT '',
  item_count INT NOT NULL DEFAULT 0,
  total DOUBLE PRECISION NOT NULL DEFAULT 0,
  last_activity_at TIMESTAMPTZ NOT NULL,
  abandoned_notified_at TIMESTAMPTZ
);`,
		`CREATE INDEX IF NOT EXISTS idx_report_schedules_due ON report_schedules(next_run_at) WHERE is_active;`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_snoozed ON conversations(snoozed_until) WHERE status = 'SNOOZED';`,
		`CREATE INDEX IF NOT EXISTS idx_scheduled_messages_due ON scheduled_messages(scheduled_for) WHERE scheduled_for IS NOT NULL;`,
		`CREATE INDEX IF NOT EXISTS idx_cart_sessions_activity ON cart_sessions(last_activity_at) WHERE abandoned_notified_at IS NULL;`,
	}
	for _, q := range ddl {
		if _, err := pool.Exec(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// Store is the record store over one pool.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// ListTenantIDs returns every live tenant. It is read fresh on every call.
func (s *Store) ListTenantIDs(ctx context.Context) ([]string, error) {
	return s.ids(ctx, `SELECT id FROM tenants WHERE deleted_at IS NULL ORDER BY id`)
}

// ListMailAccountIDs returns the active inboxes of live tenants.
func (s *Store) ListMailAccountIDs(ctx context.Context) ([]string, error) {
	return s.ids(ctx, `
SELECT a.id FROM mail_accounts a
JOIN tenants t ON t.id = a.tenant_id
WHERE a.is_active AND t.deleted_at IS NULL
ORDER BY a.id`)
}

func (s *Store) ids(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res = append(res, id)
	}
	return res, rows.Err()
}

func (s *Store) claimed(ctx context.Context, query string, args ...any) (bool, error) {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func utc(t time.Time) time.Time { return t.UTC() }
