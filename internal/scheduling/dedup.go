package scheduling

import (
	"context"
	"encoding/json"
	"errors"

	"tenantflow/internal/domain"
	"tenantflow/internal/queue"
)

// JobStore is the slice of a queue that deduplicated enqueue needs.
type JobStore interface {
	GetJob(ctx context.Context, id string) (domain.Job, error)
	RemoveJob(ctx context.Context, id string) error
	Add(ctx context.Context, name string, payload json.RawMessage, opts queue.JobOptions) (string, error)
}

// DedupJobID derives the stable per-tenant job id for name.
func DedupJobID(name domain.JobName, tenantID string) string {
	return name.String() + ":" + tenantID
}

// EnqueueDeduped adds one per-tenant unit unless the previous unit for the
// same tenant is still waiting, delayed or active. A finished job under the
// same id is removed first. added is false when the unit was skipped.
func EnqueueDeduped(ctx context.Context, q JobStore, name domain.JobName, tenantID string, payload json.RawMessage, opts queue.JobOptions) (added bool, err error) {
	id := DedupJobID(name, tenantID)

	job, err := q.GetJob(ctx, id)
	switch {
	case err == nil && job.State.InFlight():
		return false, nil
	case err == nil:
		if err := q.RemoveJob(ctx, id); err != nil {
			switch {
			case errors.Is(err, queue.ErrJobNotFound):
			case errors.Is(err, queue.ErrJobActive):
				return false, nil
			default:
				return false, err
			}
		}
	case errors.Is(err, queue.ErrJobNotFound):
	default:
		return false, err
	}

	opts.JobID = id
	if _, err := q.Add(ctx, name.String(), payload, opts); err != nil {
		// Another dispatcher enqueued the same tenant between lookup and add.
		if errors.Is(err, queue.ErrDuplicateJob) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
