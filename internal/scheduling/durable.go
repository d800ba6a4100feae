package scheduling

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"tenantflow/internal/queue"
)

// DurableBackend registers definitions as repeatables on the shared scheduler
// queue. The broker fires them and the queue worker routes each instance by
// name, so run is not retained here.
type DurableBackend struct {
	queue *queue.Queue
	log   zerolog.Logger
}

func NewDurableBackend(q *queue.Queue, log zerolog.Logger) *DurableBackend {
	return &DurableBackend{queue: q, log: log}
}

// ScheduleRepeating upserts the repeatable keyed by the definition's job id.
// Calling it again for the same id leaves a single live schedule. Stopping
// the handle does not remove the repeatable; it outlives the process.
func (b *DurableBackend) ScheduleRepeating(ctx context.Context, def Definition, _ RunFunc) (Handle, error) {
	if !def.Durable() {
		return nil, fmt.Errorf("definition %s is not durable", def.Name)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if err := b.queue.AddRepeatable(ctx, def.Name.String(), def.ID(), def.repeat(), nil); err != nil {
		return nil, fmt.Errorf("register %s: %w", def.Name, err)
	}
	b.log.Info().
		Str("job", def.Name.String()).
		Str("job_id", def.ID()).
		Str("kind", def.Kind.String()).
		Str("cron", def.Cron).
		Dur("every", def.Every).
		Msg("durable job registered")
	return noopHandle, nil
}

// Reconcile removes repeatables on the queue whose job id is not declared
// any more. It returns the removed ids.
func (b *DurableBackend) Reconcile(ctx context.Context, declared []Definition) ([]string, error) {
	keep := make(map[string]struct{}, len(declared))
	for _, d := range declared {
		keep[d.ID()] = struct{}{}
	}
	existing, err := b.queue.Repeatables(ctx)
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, r := range existing {
		if _, ok := keep[r.JobID]; ok {
			continue
		}
		if err := b.queue.RemoveRepeatable(ctx, r.JobID); err != nil && !errors.Is(err, queue.ErrJobNotFound) {
			return removed, fmt.Errorf("remove repeatable %s: %w", r.JobID, err)
		}
		b.log.Warn().Str("job_id", r.JobID).Str("job", r.Name).Msg("removed undeclared repeatable")
		removed = append(removed, r.JobID)
	}
	return removed, nil
}
