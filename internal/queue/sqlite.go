package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"tenantflow/internal/domain"
)

var (
	ErrEmpty             = errors.New("no jobs ready")
	ErrJobNotFound       = errors.New("job not found")
	ErrJobActive         = errors.New("job is active")
	ErrDuplicateJob      = errors.New("job id already exists")
	ErrBrokerUnavailable = errors.New("broker unavailable")
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS jobs (
  queue TEXT NOT NULL,
  id TEXT NOT NULL,
  name TEXT NOT NULL,
  payload BLOB NOT NULL,
  priority INTEGER NOT NULL DEFAULT 0,
  state TEXT NOT NULL CHECK(state IN ('waiting','delayed','active','completed','failed')) DEFAULT 'waiting',
  attempts INTEGER NOT NULL DEFAULT 0,
  max_attempts INTEGER NOT NULL DEFAULT 3,
  backoff_ms INTEGER NOT NULL DEFAULT 5000,
  keep_completed INTEGER NOT NULL DEFAULT 100,
  keep_failed_ms INTEGER NOT NULL DEFAULT 86400000,
  repeat_key TEXT,
  last_error TEXT NOT NULL DEFAULT '',
  run_at INTEGER NOT NULL,
  leased_until INTEGER,
  finished_at INTEGER,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  PRIMARY KEY (queue, id)
);
CREATE INDEX IF NOT EXISTS idx_jobs_ready ON jobs(queue, state, run_at, priority DESC);
CREATE INDEX IF NOT EXISTS idx_jobs_repeat ON jobs(queue, repeat_key, state);
CREATE TABLE IF NOT EXISTS repeatables (
  queue TEXT NOT NULL,
  job_id TEXT NOT NULL,
  name TEXT NOT NULL,
  cron TEXT NOT NULL DEFAULT '',
  every_ms INTEGER NOT NULL DEFAULT 0,
  payload BLOB NOT NULL,
  next_run_at INTEGER NOT NULL,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  PRIMARY KEY (queue, job_id)
);
`
	_, err := db.ExecContext(ctx, schema)
	return err
}

// JobOptions are applied per job. Zero fields fall back to the broker defaults.
type JobOptions struct {
	JobID         string
	Priority      int
	Delay         time.Duration
	Attempts      int
	Backoff       time.Duration
	KeepCompleted int
	KeepFailedFor time.Duration
}

// DefaultJobOptions is the retry and retention envelope used when a broker is
// opened without explicit defaults.
func DefaultJobOptions() JobOptions {
	return JobOptions{
		Attempts:      3,
		Backoff:       5 * time.Second,
		KeepCompleted: 100,
		KeepFailedFor: 24 * time.Hour,
	}
}

func (o JobOptions) withDefaults(d JobOptions) JobOptions {
	if o.Attempts <= 0 {
		o.Attempts = d.Attempts
	}
	if o.Backoff <= 0 {
		o.Backoff = d.Backoff
	}
	if o.KeepCompleted <= 0 {
		o.KeepCompleted = d.KeepCompleted
	}
	if o.KeepFailedFor <= 0 {
		o.KeepFailedFor = d.KeepFailedFor
	}
	return o
}

// Broker hands out memoized queue handles over one SQLite database.
type Broker struct {
	db       *sql.DB
	defaults JobOptions
	now      func() time.Time

	mu     sync.Mutex
	queues map[string]*Queue
}

type Option func(*Broker)

// WithClock overrides the broker clock used for enqueue and registration times.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// Open verifies the connection and schema. A broker that cannot be reached is
// reported as ErrBrokerUnavailable so startup can abort.
func Open(ctx context.Context, db *sql.DB, defaults JobOptions, opts ...Option) (*Broker, error) {
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	if err := EnsureSchema(ctx, db); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	b := &Broker{
		db:       db,
		defaults: defaults.withDefaults(DefaultJobOptions()),
		now:      time.Now,
		queues:   make(map[string]*Queue),
	}
	for _, o := range opts {
		o(b)
	}
	return b, nil
}

// GetQueue returns the handle for name, constructing it on first use.
func (b *Broker) GetQueue(ctx context.Context, name string) (*Queue, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("queue name is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return q, nil
	}
	if err := b.db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	q := &Queue{name: name, db: b.db, defaults: b.defaults, now: b.now}
	b.queues[name] = q
	return q, nil
}

// QueueNames lists the queues constructed so far.
func (b *Broker) QueueNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.queues))
	for n := range b.queues {
		names = append(names, n)
	}
	return names
}

// Prune applies retention on every constructed queue.
func (b *Broker) Prune(ctx context.Context, now time.Time) (int, error) {
	total := 0
	for _, name := range b.QueueNames() {
		q, err := b.GetQueue(ctx, name)
		if err != nil {
			return total, err
		}
		n, err := q.Prune(ctx, now)
		total += n
		if err != nil {
			return total, fmt.Errorf("prune %s: %w", name, err)
		}
	}
	return total, nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queue is a named durable queue.
type Queue struct {
	name     string
	db       *sql.DB
	defaults JobOptions
	now      func() time.Time
}

func (q *Queue) Name() string { return q.name }

// Add enqueues one job. A job id that already exists on the queue, in any
// state, yields ErrDuplicateJob.
func (q *Queue) Add(ctx context.Context, name string, payload json.RawMessage, opts JobOptions) (string, error) {
	return q.insert(ctx, q.db, name, payload, opts, nil, q.now())
}

func (q *Queue) insert(ctx context.Context, ex querier, name string, payload json.RawMessage, opts JobOptions, repeatKey *string, now time.Time) (string, error) {
	opts = opts.withDefaults(q.defaults)
	id := opts.JobID
	if id == "" {
		id = "job_" + uuid.NewString()
	}
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	state := domain.JobWaiting
	runAt := now
	if opts.Delay > 0 {
		state = domain.JobDelayed
		runAt = now.Add(opts.Delay)
	}
	_, err := ex.ExecContext(ctx, `
INSERT INTO jobs (queue,id,name,payload,priority,state,attempts,max_attempts,backoff_ms,keep_completed,keep_failed_ms,repeat_key,run_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,0,?,?,?,?,?,?,?,?)
`, q.name, id, name, []byte(payload), opts.Priority, string(state), opts.Attempts, opts.Backoff.Milliseconds(),
		opts.KeepCompleted, opts.KeepFailedFor.Milliseconds(), repeatKey, runAt.UnixMilli(), now.UnixMilli(), now.UnixMilli())
	if err != nil {
		if isConstraint(err) {
			return "", fmt.Errorf("%w: %s", ErrDuplicateJob, id)
		}
		return "", err
	}
	return id, nil
}

func isConstraint(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "constraint")
}

const jobColumns = `queue,id,name,payload,priority,state,attempts,max_attempts,backoff_ms,repeat_key,last_error,run_at,leased_until,finished_at,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var (
		j                           domain.Job
		state                       string
		payload                     []byte
		repeatKey                   sql.NullString
		runAt, createdAt, updatedAt int64
		leasedUntil, finishedAt     sql.NullInt64
	)
	if err := row.Scan(&j.Queue, &j.ID, &j.Name, &payload, &j.Priority, &state, &j.Attempts, &j.MaxAttempts, &j.BackoffMs,
		&repeatKey, &j.LastError, &runAt, &leasedUntil, &finishedAt, &createdAt, &updatedAt); err != nil {
		return domain.Job{}, err
	}
	j.State = domain.JobState(state)
	j.Payload = json.RawMessage(payload)
	if repeatKey.Valid {
		s := repeatKey.String
		j.RepeatKey = &s
	}
	j.RunAt = time.UnixMilli(runAt)
	j.CreatedAt = time.UnixMilli(createdAt)
	j.UpdatedAt = time.UnixMilli(updatedAt)
	if leasedUntil.Valid {
		t := time.UnixMilli(leasedUntil.Int64)
		j.LeasedUntil = &t
	}
	if finishedAt.Valid {
		t := time.UnixMilli(finishedAt.Int64)
		j.FinishedAt = &t
	}
	return j, nil
}

// GetJob returns the job with id, or ErrJobNotFound.
func (q *Queue) GetJob(ctx context.Context, id string) (domain.Job, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE queue=? AND id=?`, q.name, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, ErrJobNotFound
	}
	return j, err
}

// RemoveJob deletes a job that is not currently being processed.
func (q *Queue) RemoveJob(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM jobs WHERE queue=? AND id=? AND state<>'active'`, q.name, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := q.GetJob(ctx, id); err != nil {
		return err
	}
	return ErrJobActive
}

// Jobs lists jobs, newest first. An empty state lists every state.
func (q *Queue) Jobs(ctx context.Context, state domain.JobState, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE queue=?`
	args := []any{q.name}
	if state != "" {
		query += ` AND state=?`
		args = append(args, string(state))
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Counts returns the number of jobs per state.
func (q *Queue) Counts(ctx context.Context) (map[domain.JobState]int, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs WHERE queue=? GROUP BY state`, q.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[domain.JobState]int{
		domain.JobWaiting: 0, domain.JobDelayed: 0, domain.JobActive: 0, domain.JobCompleted: 0, domain.JobFailed: 0,
	}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[domain.JobState(state)] = n
	}
	return counts, rows.Err()
}

// Lease claims the next due job and marks it active until now+leaseFor.
func (q *Queue) Lease(ctx context.Context, now time.Time, leaseFor time.Duration) (job domain.Job, err error) {
	tx, err := q.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return domain.Job{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	row := tx.QueryRowContext(ctx, `
SELECT `+jobColumns+`
FROM jobs
WHERE queue=? AND state IN ('waiting','delayed') AND run_at <= ?
ORDER BY priority DESC, run_at ASC, created_at ASC
LIMIT 1
`, q.name, now.UnixMilli())
	job, err = scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, ErrEmpty
	}
	if err != nil {
		return domain.Job{}, err
	}

	until := now.Add(leaseFor)
	_, err = tx.ExecContext(ctx, `
UPDATE jobs SET state='active', leased_until=?, updated_at=? WHERE queue=? AND id=?`,
		until.UnixMilli(), now.UnixMilli(), q.name, job.ID)
	if err != nil {
		return domain.Job{}, err
	}
	if err = tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	job.State = domain.JobActive
	job.LeasedUntil = &until
	return job, nil
}

// Complete marks an active job completed and trims completed history.
func (q *Queue) Complete(ctx context.Context, id string, now time.Time) error {
	res, err := q.db.ExecContext(ctx, `
UPDATE jobs SET state='completed', attempts=attempts+1, leased_until=NULL, finished_at=?, updated_at=?
WHERE queue=? AND id=? AND state='active'`, now.UnixMilli(), now.UnixMilli(), q.name, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	_, err = q.pruneCompleted(ctx)
	return err
}

// Fail records a failed attempt. The job is rescheduled with exponential
// backoff until its attempts are used up; final reports the terminal case.
func (q *Queue) Fail(ctx context.Context, id, errMsg string, now time.Time) (final bool, err error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var attempts, maxAttempts int
	var backoffMs int64
	err = tx.QueryRowContext(ctx, `SELECT attempts, max_attempts, backoff_ms FROM jobs WHERE queue=? AND id=? AND state='active'`,
		q.name, id).Scan(&attempts, &maxAttempts, &backoffMs)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrJobNotFound
	}
	if err != nil {
		return false, err
	}

	attempts++
	if attempts >= maxAttempts {
		final = true
		_, err = tx.ExecContext(ctx, `
UPDATE jobs SET state='failed', attempts=?, last_error=?, leased_until=NULL, finished_at=?, updated_at=?
WHERE queue=? AND id=?`, attempts, errMsg, now.UnixMilli(), now.UnixMilli(), q.name, id)
	} else {
		next := now.Add(Backoff(time.Duration(backoffMs)*time.Millisecond, attempts))
		_, err = tx.ExecContext(ctx, `
UPDATE jobs SET state='delayed', attempts=?, last_error=?, leased_until=NULL, run_at=?, updated_at=?
WHERE queue=? AND id=?`, attempts, errMsg, next.UnixMilli(), now.UnixMilli(), q.name, id)
	}
	if err != nil {
		return false, err
	}
	if err = tx.Commit(); err != nil {
		return false, err
	}
	if final {
		_, err = q.pruneFailed(ctx, now)
	}
	return final, err
}

// Backoff returns base * 2^(attempt-1), capped at one hour.
func Backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt <= 1 {
		return base
	}
	const ceiling = time.Hour
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	return d
}

// RecoverStale returns active jobs whose lease expired to the waiting state.
func (q *Queue) RecoverStale(ctx context.Context, now time.Time) (int, error) {
	res, err := q.db.ExecContext(ctx, `
UPDATE jobs SET state='waiting', leased_until=NULL, run_at=?, updated_at=?
WHERE queue=? AND state='active' AND leased_until IS NOT NULL AND leased_until < ?`,
		now.UnixMilli(), now.UnixMilli(), q.name, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Prune applies the completed-count and failed-age retention rules.
func (q *Queue) Prune(ctx context.Context, now time.Time) (int, error) {
	c, err := q.pruneCompleted(ctx)
	if err != nil {
		return c, err
	}
	f, err := q.pruneFailed(ctx, now)
	return c + f, err
}

// pruneCompleted keeps, per job name, the newest keep_completed completed jobs.
func (q *Queue) pruneCompleted(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx, `
DELETE FROM jobs
WHERE queue=? AND state='completed' AND id IN (
  SELECT id FROM (
    SELECT id, keep_completed,
           ROW_NUMBER() OVER (PARTITION BY name ORDER BY finished_at DESC, id DESC) AS rn
    FROM jobs WHERE queue=? AND state='completed'
  ) WHERE rn > keep_completed
)`, q.name, q.name)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (q *Queue) pruneFailed(ctx context.Context, now time.Time) (int, error) {
	res, err := q.db.ExecContext(ctx, `
DELETE FROM jobs WHERE queue=? AND state='failed' AND finished_at + keep_failed_ms < ?`, q.name, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
