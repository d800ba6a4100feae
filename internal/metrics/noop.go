package metrics

import "time"

// NoopSink discards all metrics.
type NoopSink struct{}

func (NoopSink) JobStarted(string, string)                  {}
func (NoopSink) JobCompleted(string, string, time.Duration) {}
func (NoopSink) JobFailed(string, string, bool)             {}
func (NoopSink) UnknownJob(string)                          {}
func (NoopSink) TenantUnit(string, string)                  {}
func (NoopSink) DedupSkipped(string)                        {}
func (NoopSink) SweepRow(string, string)                    {}
