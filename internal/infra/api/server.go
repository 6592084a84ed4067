package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"whatsapp-ai-platform/internal/domain/model"
	"whatsapp-ai-platform/internal/domain/ports/repository"
	"whatsapp-ai-platform/internal/infra/metrics"
	"whatsapp-ai-platform/internal/infra/queue"
)

// Pinger is a dependency the health check probes.
type Pinger interface {
	Ping(ctx context.Context) error
}

// QueueInspector reports queue depth and liveness.
type QueueInspector interface {
	Stats(ctx context.Context, name model.QueueName) (queue.Stats, error)
}

type Deps struct {
	Postgres   Pinger
	Redis      Pinger
	Queues     QueueInspector
	FailedJobs repository.FailedJobRepository
	Auth       *AdminAuth
	// OnHealth runs before every health probe, e.g. to refresh pool gauges.
	OnHealth func()
}

// Server is the worker's ops surface: health, metrics and dead-letter admin.
type Server struct {
	deps   Deps
	logger *zerolog.Logger
}

func NewServer(deps Deps, logger *zerolog.Logger) *Server {
	l := logger.With().Str("component", "ops_api").Logger()
	return &Server{deps: deps, logger: &l}
}

// Router builds the chi router with the standard middleware chain.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/admin", func(r chi.Router) {
		r.Use(s.deps.Auth.Middleware)
		r.Get("/queues", s.queueStats)
		r.Get("/queues/{queue}/dead", s.deadLetters)
	})
	return Chain(r, TraceID(), RequestLog(s.logger), Recover(s.logger), Timeout(10*time.Second))
}

// Listen serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Listen(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Int("port", port).Msg("ops api listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

type healthReport struct {
	Status   string            `json:"status"`
	Postgres string            `json:"postgres"`
	Redis    string            `json:"redis"`
	Queues   []queue.Stats     `json:"queues,omitempty"`
	Errors   map[string]string `json:"errors,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.deps.OnHealth != nil {
		s.deps.OnHealth()
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	rep := healthReport{Status: "ok", Postgres: "ok", Redis: "ok", Errors: map[string]string{}}
	if err := s.deps.Postgres.Ping(ctx); err != nil {
		rep.Postgres, rep.Status = "down", "degraded"
		rep.Errors["postgres"] = err.Error()
	}
	if err := s.deps.Redis.Ping(ctx); err != nil {
		rep.Redis, rep.Status = "down", "degraded"
		rep.Errors["redis"] = err.Error()
	} else {
		for _, name := range model.Queues {
			st, err := s.deps.Queues.Stats(ctx, name)
			if err != nil {
				rep.Errors[string(name)] = err.Error()
				continue
			}
			metrics.SetQueueDepth(string(name), st.Depth())
			rep.Queues = append(rep.Queues, st)
		}
	}

	code := http.StatusOK
	if rep.Status != "ok" {
		code = http.StatusServiceUnavailable
		s.logger.Warn().Interface("errors", rep.Errors).Msg("health check failed")
	}
	writeJSON(w, code, rep)
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	out := make([]queue.Stats, 0, len(model.Queues))
	for _, name := range model.Queues {
		st, err := s.deps.Queues.Stats(r.Context(), name)
		if err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		out = append(out, st)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

type deadLetter struct {
	ID             string          `json:"id"`
	JobID          string          `json:"job_id"`
	OrganizationID string          `json:"organization_id,omitempty"`
	Error          string          `json:"error"`
	Attempts       int             `json:"attempts"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

func (s *Server) deadLetters(w http.ResponseWriter, r *http.Request) {
	name := model.QueueName(chi.URLParam(r, "queue"))
	if !name.Known() {
		writeError(w, http.StatusNotFound, "unknown queue")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be 1..500")
			return
		}
		limit = n
	}

	jobs, err := s.deps.FailedJobs.List(r.Context(), nil, name, limit)
	if err != nil {
		s.logger.Error().Err(err).Str("queue", string(name)).Msg("list dead letters")
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	items := make([]deadLetter, 0, len(jobs))
	for _, j := range jobs {
		d := deadLetter{
			ID: j.ID, JobID: j.JobID, OrganizationID: j.OrganizationID,
			Error: j.Error, Attempts: j.Attempts, CreatedAt: j.CreatedAt,
		}
		if json.Valid(j.Payload) {
			d.Payload = j.Payload
		}
		items = append(items, d)
	}
	writeJSON(w, http.StatusOK, map[string]any{"queue": name, "items": items})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
