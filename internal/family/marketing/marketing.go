// Package marketing owns the tenant-facing nudges: abandoned-cart reminders
// and ad account alerts.
package marketing

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

const Name = "marketing"

type TenantLister interface {
	ListTenantIDs(ctx context.Context) ([]string, error)
}

type AdAlerter interface {
	CheckAdAlerts(ctx context.Context, tenantID string) error
}

type Sweeper interface {
	Run(ctx context.Context, now time.Time) (sweep.Result, error)
}

type Family struct {
	tenants TenantLister
	ads     AdAlerter
	carts   Sweeper
	runner  *fanout.Runner
	log     zerolog.Logger
	now     func() time.Time
}

func New(tenants TenantLister, ads AdAlerter, carts Sweeper, runner *fanout.Runner, log zerolog.Logger) *Family {
	return &Family{
		tenants: tenants,
		ads:     ads,
		carts:   carts,
		runner:  runner,
		log:     log.With().Str("family", Name).Logger(),
		now:     time.Now,
	}
}

func (f *Family) Name() string { return Name }

func (f *Family) Tasks() []scheduling.Task {
	return []scheduling.Task{
		{
			Definition: scheduling.Definition{Name: domain.JobAbandonedCarts, Kind: scheduling.KindFixedInterval, Every: 15 * time.Minute},
			Run:        f.DispatchAbandonedCarts,
		},
		{
			Definition: scheduling.Definition{Name: domain.JobAdAlerts, Kind: scheduling.KindCron, Cron: "0 * * * *"},
			Run:        f.DispatchAdAlerts,
		},
	}
}

// DispatchAbandonedCarts runs the debounce sweep. A failed selection fails
// the job so the broker retries it.
func (f *Family) DispatchAbandonedCarts(ctx context.Context) error {
	_, err := f.carts.Run(ctx, f.now())
	return err
}

func (f *Family) DispatchAdAlerts(ctx context.Context) error {
	ids, err := f.tenants.ListTenantIDs(ctx)
	if err != nil {
		return fmt.Errorf("list tenants: %w", err)
	}
	f.runner.Run(ctx, domain.JobAdAlerts.String(), ids, f.ads.CheckAdAlerts)
	return nil
}
