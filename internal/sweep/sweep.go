// Package sweep holds the periodic query-then-mutate passes over persisted
// records. Every row is claimed with a conditional update before its side
// effect runs, so overlapping sweeps cannot process a row twice.
package sweep

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"tenantflow/internal/metrics"
)

// Publisher pushes real-time events. Delivery is best effort.
type Publisher interface {
	Publish(ctx context.Context, channel, event string, payload any) error
}

// Result counts what one sweep did.
type Result struct {
	Selected  int
	Processed int
	Failed    int
	// Skipped rows were claimed by someone else between select and claim.
	Skipped int
}

func (r Result) String() string {
	return fmt.Sprintf("selected=%d processed=%d failed=%d skipped=%d", r.Selected, r.Processed, r.Failed, r.Skipped)
}

type recorder struct {
	name    string
	log     zerolog.Logger
	metrics metrics.Sink
	res     Result
}

func newRecorder(name string, log zerolog.Logger, sink metrics.Sink, selected int) *recorder {
	return &recorder{name: name, log: log, metrics: sink, res: Result{Selected: selected}}
}

func (r *recorder) processed() {
	r.res.Processed++
	r.metrics.SweepRow(r.name, metrics.OutcomeSuccess)
}

func (r *recorder) skipped(rowID string) {
	r.res.Skipped++
	r.metrics.SweepRow(r.name, metrics.OutcomeSkipped)
	r.log.Debug().Str("sweep", r.name).Str("row_id", rowID).Msg("row already claimed")
}

func (r *recorder) failed(rowID string, err error, msg string) {
	r.res.Failed++
	r.metrics.SweepRow(r.name, metrics.OutcomeFailed)
	r.log.Error().Err(err).Str("sweep", r.name).Str("row_id", rowID).Msg(msg)
}

func (r *recorder) done() Result {
	if r.res.Selected > 0 {
		r.log.Info().Str("sweep", r.name).Int("selected", r.res.Selected).Int("processed", r.res.Processed).
			Int("failed", r.res.Failed).Int("skipped", r.res.Skipped).Msg("sweep finished")
	}
	return r.res
}

func sinkOrNoop(s metrics.Sink) metrics.Sink {
	if s == nil {
		return metrics.NoopSink{}
	}
	return s
}
