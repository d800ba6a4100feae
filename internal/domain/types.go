package domain

import (
	"encoding/json"
	"time"
)

// JobState is the broker-side lifecycle of one job instance.
type JobState string

const (
	JobWaiting   JobState = "waiting"
	JobDelayed   JobState = "delayed"
	JobActive    JobState = "active"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// InFlight reports whether a job in this state still counts as outstanding work.
func (s JobState) InFlight() bool {
	return s == JobWaiting || s == JobDelayed || s == JobActive
}

// Job is one firing of a task definition, or one unit of per-tenant work.
type Job struct {
	ID          string
	Queue       string
	Name        string
	Payload     json.RawMessage
	Priority    int
	State       JobState
	Attempts    int
	MaxAttempts int
	BackoffMs   int64
	RepeatKey   *string
	LastError   string
	RunAt       time.Time
	LeasedUntil *time.Time
	FinishedAt  *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Repeatable is a persisted recurring job definition. Exactly one of Cron and
// Every is set.
type Repeatable struct {
	Queue     string
	JobID     string
	Name      string
	Cron      string
	Every     time.Duration
	NextRunAt time.Time
	CreatedAt time.Time
}
