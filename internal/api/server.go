package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"creative-job-scheduler/internal/jobs"
	"creative-job-scheduler/internal/ratelimit"
	"creative-job-scheduler/internal/scheduler"
	"creative-job-scheduler/internal/telemetry"
)

// Dispatcher is satisfied by *scheduler.Dispatcher.
type Dispatcher interface {
	Tick(ctx context.Context) (scheduler.TickResult, error)
	Status(ctx context.Context) (jobs.Stats, error)
}

// Options carries the collaborators and secrets the server needs.
type Options struct {
	Manager       *jobs.Manager
	Dispatcher    Dispatcher
	Worker        scheduler.Processor
	Limiter       ratelimit.Limiter
	JWTSecret     string
	InternalToken string
	Logger        zerolog.Logger
}

// Server wires HTTP handlers for the job API and the internal scheduler
// endpoints.
type Server struct {
	manager       *jobs.Manager
	dispatcher    Dispatcher
	worker        scheduler.Processor
	limiter       ratelimit.Limiter
	jwtSecret     []byte
	internalToken string
	log           zerolog.Logger
}

// New constructs the API server.
func New(opts Options) *Server {
	limiter := opts.Limiter
	if limiter == nil {
		limiter = ratelimit.Unlimited{}
	}
	return &Server{
		manager:       opts.Manager,
		dispatcher:    opts.Dispatcher,
		worker:        opts.Worker,
		limiter:       limiter,
		jwtSecret:     []byte(opts.JWTSecret),
		internalToken: opts.InternalToken,
		log:           opts.Logger.With().Str("component", "api").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Use(s.requestLogger, observeRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/jobs", s.handlePostJobs)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Delete("/jobs/{id}", s.handleCancelJob)
		r.Get("/jobs/{id}/events", s.handleJobEvents)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.internalOnly)
		r.Post("/scheduler", s.handleTick)
		r.Get("/scheduler", s.handleSchedulerStatus)
		r.Post("/worker", s.handleWork)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeFailure(w, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeFailure(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}
