package metrics

import "time"

// Sink records scheduler metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
type Sink interface {
	// Broker worker metrics
	JobStarted(queue, job string)
	JobCompleted(queue, job string, duration time.Duration)
	JobFailed(queue, job string, final bool)
	UnknownJob(name string)

	// Dispatch metrics
	TenantUnit(task, outcome string)
	DedupSkipped(job string)

	// Sweep metrics
	SweepRow(sweep, outcome string)
}

// Outcome labels shared by TenantUnit and SweepRow.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

// OutcomeOf maps an error to an outcome label.
func OutcomeOf(err error) string {
	if err != nil {
		return OutcomeFailed
	}
	return OutcomeSuccess
}
