package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"tenantflow/internal/domain"
)

// RepeatOptions selects the recurrence of a repeatable job. Exactly one of
// Cron and Every must be set.
type RepeatOptions struct {
	Cron  string
	Every time.Duration
}

func (r RepeatOptions) validate() error {
	switch {
	case r.Cron != "" && r.Every > 0:
		return errors.New("repeat: cron and every are mutually exclusive")
	case r.Cron != "":
		_, err := cron.ParseStandard(r.Cron)
		return err
	case r.Every > 0:
		if r.Every < time.Second {
			return errors.New("repeat: every must be at least one second")
		}
		return nil
	default:
		return errors.New("repeat: cron or every is required")
	}
}

// next returns the first fire time strictly after from. Interval repeats are
// aligned to multiples of Every since the epoch so restarts keep the same slots.
func (r RepeatOptions) next(from time.Time) (time.Time, error) {
	if r.Cron != "" {
		sched, err := cron.ParseStandard(r.Cron)
		if err != nil {
			return time.Time{}, err
		}
		return sched.Next(from), nil
	}
	every := r.Every.Milliseconds()
	ms := from.UnixMilli()
	return time.UnixMilli((ms/every + 1) * every), nil
}

// ValidateCronExpression validates a cron expression
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// AddRepeatable registers a recurring job under jobID. Registering the same
// jobID again updates it in place; the pending fire time is kept unless the
// recurrence changed.
func (q *Queue) AddRepeatable(ctx context.Context, name, jobID string, repeat RepeatOptions, payload json.RawMessage) error {
	if jobID == "" {
		return errors.New("repeat: job id is required")
	}
	if err := repeat.validate(); err != nil {
		return err
	}
	now := q.now()
	next, err := repeat.next(now)
	if err != nil {
		return err
	}
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	_, err = q.db.ExecContext(ctx, `
INSERT INTO repeatables (queue,job_id,name,cron,every_ms,payload,next_run_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(queue, job_id) DO UPDATE SET
  name=excluded.name,
  payload=excluded.payload,
  next_run_at=CASE WHEN repeatables.cron IS excluded.cron AND repeatables.every_ms IS excluded.every_ms
                   THEN repeatables.next_run_at ELSE excluded.next_run_at END,
  cron=excluded.cron,
  every_ms=excluded.every_ms,
  updated_at=excluded.updated_at
`, q.name, jobID, name, repeat.Cron, repeat.Every.Milliseconds(), []byte(payload), next.UnixMilli(), now.UnixMilli(), now.UnixMilli())
	return err
}

// Repeatables lists the recurring definitions on this queue.
func (q *Queue) Repeatables(ctx context.Context) ([]domain.Repeatable, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT job_id,name,cron,every_ms,next_run_at,created_at FROM repeatables WHERE queue=? ORDER BY job_id`, q.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Repeatable
	for rows.Next() {
		var r domain.Repeatable
		var everyMs, nextRun, created int64
		if err := rows.Scan(&r.JobID, &r.Name, &r.Cron, &everyMs, &nextRun, &created); err != nil {
			return nil, err
		}
		r.Queue = q.name
		r.Every = time.Duration(everyMs) * time.Millisecond
		r.NextRunAt = time.UnixMilli(nextRun)
		r.CreatedAt = time.UnixMilli(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// RemoveRepeatable deletes a recurring definition. Instances already created
// are left to finish.
func (q *Queue) RemoveRepeatable(ctx context.Context, jobID string) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM repeatables WHERE queue=? AND job_id=?`, q.name, jobID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

type dueRepeatable struct {
	jobID   string
	name    string
	repeat  RepeatOptions
	payload []byte
	slot    int64
}

// Promote turns due repeatables into job instances. A repeatable whose
// previous instance is still waiting, delayed or active does not fire again;
// missed slots collapse into a single firing.
func (q *Queue) Promote(ctx context.Context, now time.Time) (promoted int, err error) {
	tx, err := q.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	rows, err := tx.QueryContext(ctx, `
SELECT job_id,name,cron,every_ms,payload,next_run_at FROM repeatables WHERE queue=? AND next_run_at <= ?`,
		q.name, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	var due []dueRepeatable
	for rows.Next() {
		var d dueRepeatable
		var everyMs int64
		if err = rows.Scan(&d.jobID, &d.name, &d.repeat.Cron, &everyMs, &d.payload, &d.slot); err != nil {
			rows.Close()
			return 0, err
		}
		d.repeat.Every = time.Duration(everyMs) * time.Millisecond
		due = append(due, d)
	}
	if err = rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	for _, d := range due {
		var inFlight int
		err = tx.QueryRowContext(ctx, `
SELECT COUNT(*) FROM jobs WHERE queue=? AND repeat_key=? AND state IN ('waiting','delayed','active')`,
			q.name, d.jobID).Scan(&inFlight)
		if err != nil {
			return 0, err
		}
		if inFlight == 0 {
			key := d.jobID
			opts := JobOptions{JobID: fmt.Sprintf("repeat:%s:%d", d.jobID, d.slot)}
			if _, err = q.insert(ctx, tx, d.name, d.payload, opts, &key, now); err != nil {
				if !errors.Is(err, ErrDuplicateJob) {
					return 0, err
				}
				err = nil
			} else {
				promoted++
			}
		}

		next, nerr := d.repeat.next(now)
		if nerr != nil {
			err = nerr
			return 0, err
		}
		if _, err = tx.ExecContext(ctx, `UPDATE repeatables SET next_run_at=?, updated_at=? WHERE queue=? AND job_id=?`,
			next.UnixMilli(), now.UnixMilli(), q.name, d.jobID); err != nil {
			return 0, err
		}
	}

	if err = tx.Commit(); err != nil {
		return 0, err
	}
	return promoted, nil
}
