package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tenantflow/internal/domain"
	"tenantflow/internal/queue"
)

// Kind selects how a recurring task is triggered.
type Kind int

const (
	KindCron Kind = iota
	KindFixedInterval
	KindInProcessTimer
)

func (k Kind) String() string {
	switch k {
	case KindCron:
		return "cron"
	case KindFixedInterval:
		return "every"
	case KindInProcessTimer:
		return "timer"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Definition is a recurring task declared by a family at deployment time.
// JobID is the deduplication key of the durable repeatable; it defaults to
// the job name.
type Definition struct {
	Name  domain.JobName
	Kind  Kind
	Cron  string
	Every time.Duration
	JobID string
}

// Durable reports whether the definition must survive process restarts.
func (d Definition) Durable() bool { return d.Kind != KindInProcessTimer }

func (d Definition) ID() string {
	if d.JobID != "" {
		return d.JobID
	}
	return d.Name.String()
}

func (d Definition) Validate() error {
	if !d.Name.Valid() {
		return fmt.Errorf("definition %q: unknown job name", d.Name)
	}
	switch d.Kind {
	case KindCron:
		if d.Every > 0 {
			return fmt.Errorf("definition %s: cron and every are mutually exclusive", d.Name)
		}
		if err := queue.ValidateCronExpression(d.Cron); err != nil {
			return fmt.Errorf("definition %s: %w", d.Name, err)
		}
	case KindFixedInterval, KindInProcessTimer:
		if d.Cron != "" {
			return fmt.Errorf("definition %s: cron and every are mutually exclusive", d.Name)
		}
		if d.Every <= 0 {
			return fmt.Errorf("definition %s: interval must be positive", d.Name)
		}
	default:
		return fmt.Errorf("definition %s: unsupported kind %s", d.Name, d.Kind)
	}
	return nil
}

func (d Definition) repeat() queue.RepeatOptions {
	if d.Kind == KindCron {
		return queue.RepeatOptions{Cron: d.Cron}
	}
	return queue.RepeatOptions{Every: d.Every}
}

// RunFunc is what a fired task executes.
type RunFunc func(ctx context.Context) error

// Task pairs a definition with the function that serves it.
type Task struct {
	Definition
	Run RunFunc
}

// Handle releases whatever a scheduler or a family started.
type Handle interface {
	Stop(ctx context.Context) error
}

// HandleFunc adapts a function to Handle.
type HandleFunc func(ctx context.Context) error

func (f HandleFunc) Stop(ctx context.Context) error { return f(ctx) }

var noopHandle = HandleFunc(func(context.Context) error { return nil })

// Scheduler arms a recurring definition. The returned handle stops it.
type Scheduler interface {
	ScheduleRepeating(ctx context.Context, def Definition, run RunFunc) (Handle, error)
}

// Mux picks the backend per definition: durable definitions go to Durable,
// in-process timers to Timer.
type Mux struct {
	Durable Scheduler
	Timer   Scheduler
}

func (m Mux) ScheduleRepeating(ctx context.Context, def Definition, run RunFunc) (Handle, error) {
	if def.Durable() {
		if m.Durable == nil {
			return nil, errors.New("no durable scheduler configured")
		}
		return m.Durable.ScheduleRepeating(ctx, def, run)
	}
	if m.Timer == nil {
		return nil, errors.New("no timer scheduler configured")
	}
	return m.Timer.ScheduleRepeating(ctx, def, run)
}
