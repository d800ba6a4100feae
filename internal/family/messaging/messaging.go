// Package messaging runs the lightweight polling work of the inbox: checking
// external mailboxes, sending due scheduled messages and waking snoozed
// conversations. All three run on in-process timers; the persisted rows are
// the source of truth, so a tick lost to a restart costs nothing.
package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"tenantflow/internal/domain"
	"tenantflow/internal/fanout"
	"tenantflow/internal/scheduling"
	"tenantflow/internal/sweep"
)

const Name = "messaging"

type AccountLister interface {
	ListMailAccountIDs(ctx context.Context) ([]string, error)
}

type MailChecker interface {
	CheckInboundMessages(ctx context.Context, accountID string) error
}

// Sweeper is one pass of a time-driven sweep.
type Sweeper interface {
	Run(ctx context.Context, now time.Time) (sweep.Result, error)
}

type Intervals struct {
	PollInboxes   time.Duration
	SendScheduled time.Duration
	WakeSnoozed   time.Duration
}

func (i Intervals) withDefaults() Intervals {
	if i.PollInboxes <= 0 {
		i.PollInboxes = 2 * time.Minute
	}
	if i.SendScheduled <= 0 {
		i.SendScheduled = time.Minute
	}
	if i.WakeSnoozed <= 0 {
		i.WakeSnoozed = time.Minute
	}
	return i
}

type Family struct {
	accounts  AccountLister
	checker   MailChecker
	dueSend   Sweeper
	snooze    Sweeper
	runner    *fanout.Runner
	intervals Intervals
	log       zerolog.Logger
	now       func() time.Time
}

func New(accounts AccountLister, checker MailChecker, dueSend, snooze Sweeper, runner *fanout.Runner, intervals Intervals, log zerolog.Logger) *Family {
	return &Family{
		accounts:  accounts,
		checker:   checker,
		dueSend:   dueSend,
		snooze:    snooze,
		runner:    runner,
		intervals: intervals.withDefaults(),
		log:       log.With().Str("family", Name).Logger(),
		now:       time.Now,
	}
}

func (f *Family) Name() string { return Name }

func (f *Family) Tasks() []scheduling.Task {
	timer := func(name domain.JobName, every time.Duration, run scheduling.RunFunc) scheduling.Task {
		return scheduling.Task{
			Definition: scheduling.Definition{Name: name, Kind: scheduling.KindInProcessTimer, Every: every},
			Run:        run,
		}
	}
	return []scheduling.Task{
		timer(domain.JobPollInboxes, f.intervals.PollInboxes, f.DispatchPollInboxes),
		timer(domain.JobSendScheduled, f.intervals.SendScheduled, f.DispatchSendScheduled),
		timer(domain.JobWakeSnoozed, f.intervals.WakeSnoozed, f.DispatchWakeSnoozed),
	}
}

// DispatchPollInboxes checks every active mail account once.
func (f *Family) DispatchPollInboxes(ctx context.Context) error {
	ids, err := f.accounts.ListMailAccountIDs(ctx)
	if err != nil {
		return fmt.Errorf("list mail accounts: %w", err)
	}
	f.runner.Run(ctx, domain.JobPollInboxes.String(), ids, f.checker.CheckInboundMessages)
	return nil
}

func (f *Family) DispatchSendScheduled(ctx context.Context) error {
	_, err := f.dueSend.Run(ctx, f.now())
	return err
}

func (f *Family) DispatchWakeSnoozed(ctx context.Context) error {
	_, err := f.snooze.Run(ctx, f.now())
	return err
}
