package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"tenantflow/internal/domain"
	"tenantflow/internal/metrics"
	"tenantflow/internal/scheduling"
)

var ErrDuplicateRoute = errors.New("job name routed twice")

// Router maps each job name to the function of the family that owns it. The
// table is fixed once built.
type Router struct {
	routes  map[domain.JobName]route
	log     zerolog.Logger
	metrics metrics.Sink
}

type route struct {
	family string
	run    scheduling.RunFunc
}

func NewRouter(log zerolog.Logger, sink metrics.Sink, families ...Family) (*Router, error) {
	if sink == nil {
		sink = metrics.NoopSink{}
	}
	r := &Router{routes: make(map[domain.JobName]route), log: log, metrics: sink}
	for _, f := range families {
		for _, t := range f.Tasks() {
			if prev, ok := r.routes[t.Name]; ok {
				return nil, fmt.Errorf("%w: %s (%s and %s)", ErrDuplicateRoute, t.Name, prev.family, f.Name())
			}
			if t.Run == nil {
				return nil, fmt.Errorf("job %s of %s has no run func", t.Name, f.Name())
			}
			r.routes[t.Name] = route{family: f.Name(), run: t.Run}
		}
	}
	return r, nil
}

// Handle dispatches a fired job. An unknown name is logged and acknowledged:
// retrying it cannot help.
func (r *Router) Handle(ctx context.Context, job domain.Job) error {
	rt, ok := r.routes[domain.JobName(job.Name)]
	if !ok {
		r.metrics.UnknownJob(job.Name)
		r.log.Warn().Str("job", job.Name).Str("job_id", job.ID).Msg("unknown job name, ignoring")
		return nil
	}
	return rt.run(ctx)
}

// Names lists the routed job names in order.
func (r *Router) Names() []domain.JobName {
	names := make([]domain.JobName, 0, len(r.routes))
	for n := range r.routes {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}
