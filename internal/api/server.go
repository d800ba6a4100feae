// Package api serves the operational HTTP surface: health, metrics and
// read-mostly inspection of the broker queues.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"tenantflow/internal/domain"
	"tenantflow/internal/queue"
)

// Pinger is a dependency whose reachability /health reports.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	r      *chi.Mux
	broker *queue.Broker
	checks map[string]Pinger
	log    zerolog.Logger
}

// NewServer builds the router. gatherer may be nil, in which case /metrics
// is not mounted.
func NewServer(broker *queue.Broker, gatherer prometheus.Gatherer, checks map[string]Pinger, log zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger(log), middleware.Recoverer)

	s := &Server{r: r, broker: broker, checks: checks, log: log}

	r.Get("/health", s.health)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	r.Route("/api/queues", func(r chi.Router) {
		r.Get("/", s.listQueues)
		r.Get("/{queue}/counts", s.counts)
		r.Get("/{queue}/jobs", s.listJobs)
		r.Get("/{queue}/jobs/{id}", s.getJob)
		r.Delete("/{queue}/jobs/{id}", s.deleteJob)
		r.Get("/{queue}/repeatables", s.repeatables)
	})
	return r
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("took", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	code := http.StatusOK
	results := make(map[string]string, len(s.checks))
	for name, c := range s.checks {
		if err := c.Ping(ctx); err != nil {
			code = http.StatusServiceUnavailable
			results[name] = err.Error()
			continue
		}
		results[name] = "ok"
	}
	status := "ok"
	if code != http.StatusOK {
		status = "degraded"
	}
	writeJSON(w, code, map[string]any{"status": status, "checks": results})
}

func (s *Server) listQueues(w http.ResponseWriter, r *http.Request) {
	names := s.broker.QueueNames()
	slices.Sort(names)
	writeJSON(w, http.StatusOK, names)
}

// queue resolves the {queue} parameter. Only queues this process has opened
// are served, so a typo does not create an empty queue.
func (s *Server) queue(w http.ResponseWriter, r *http.Request) (*queue.Queue, bool) {
	name := chi.URLParam(r, "queue")
	if !slices.Contains(s.broker.QueueNames(), name) {
		http.Error(w, "unknown queue", http.StatusNotFound)
		return nil, false
	}
	q, err := s.broker.GetQueue(r.Context(), name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return nil, false
	}
	return q, true
}

func (s *Server) counts(w http.ResponseWriter, r *http.Request) {
	q, ok := s.queue(w, r)
	if !ok {
		return
	}
	counts, err := q.Counts(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := map[string]int{}
	for _, st := range []domain.JobState{domain.JobWaiting, domain.JobDelayed, domain.JobActive, domain.JobCompleted, domain.JobFailed} {
		out[string(st)] = counts[st]
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	q, ok := s.queue(w, r)
	if !ok {
		return
	}
	state := domain.JobState(r.URL.Query().Get("state"))
	switch state {
	case "", domain.JobWaiting, domain.JobDelayed, domain.JobActive, domain.JobCompleted, domain.JobFailed:
	default:
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			http.Error(w, "limit must be between 1 and 1000", http.StatusBadRequest)
			return
		}
		limit = n
	}

	jobs, err := q.Jobs(r.Context(), state, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]map[string]any, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobView(j))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	q, ok := s.queue(w, r)
	if !ok {
		return
	}
	j, err := q.GetJob(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, queue.ErrJobNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, jobView(j))
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	q, ok := s.queue(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	switch err := q.RemoveJob(r.Context(), id); {
	case err == nil:
		s.log.Info().Str("queue", q.Name()).Str("job_id", id).Msg("job removed over http")
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, queue.ErrJobNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, queue.ErrJobActive):
		http.Error(w, "job is active", http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) repeatables(w http.ResponseWriter, r *http.Request) {
	q, ok := s.queue(w, r)
	if !ok {
		return
	}
	reps, err := q.Repeatables(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]map[string]any, 0, len(reps))
	for _, rep := range reps {
		v := map[string]any{
			"job_id":      rep.JobID,
			"name":        rep.Name,
			"next_run_at": rep.NextRunAt.UTC().Format(time.RFC3339),
		}
		if rep.Cron != "" {
			v["cron"] = rep.Cron
		} else {
			v["every"] = rep.Every.String()
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

func jobView(j domain.Job) map[string]any {
	v := map[string]any{
		"id":           j.ID,
		"queue":        j.Queue,
		"name":         j.Name,
		"state":        j.State,
		"attempts":     j.Attempts,
		"max_attempts": j.MaxAttempts,
		"run_at":       j.RunAt.UTC().Format(time.RFC3339),
		"created_at":   j.CreatedAt.UTC().Format(time.RFC3339),
	}
	if len(j.Payload) > 0 {
		v["payload"] = j.Payload
	}
	if j.LastError != "" {
		v["last_error"] = j.LastError
	}
	if j.FinishedAt != nil {
		v["finished_at"] = j.FinishedAt.UTC().Format(time.RFC3339)
	}
	return v
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
