package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"generation-reconciler/internal/infra/metrics"
)

type ServerConfig struct {
	Port            int
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
}

// Server exposes provider callbacks, the job API, the update stream,
// health and metrics.
type Server struct {
	cfg       ServerConfig
	router    chi.Router
	server    *http.Server
	log       *zerolog.Logger
	callbacks *CallbackHandler
	jobs      *JobHandlers
	stream    *StreamHub
	auth      *Authenticator
}

func NewServer(cfg ServerConfig, callbacks *CallbackHandler, jobs *JobHandlers, stream *StreamHub, auth *Authenticator, logger *zerolog.Logger) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	l := logger.With().Str("component", "http").Logger()
	s := &Server{cfg: cfg, log: &l, callbacks: callbacks, jobs: jobs, stream: stream, auth: auth}
	s.router = s.routes()
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestID(), Recover(s.log), RequestLog(s.log))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.With(Timeout(s.cfg.RequestTimeout)).Post("/callbacks/{provider}", s.callbacks.ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(s.auth.RequireOwner)
			// long-lived; no request timeout
			r.Get("/jobs/stream", s.stream.ServeHTTP)
			r.Group(func(r chi.Router) {
				r.Use(Timeout(s.cfg.RequestTimeout))
				r.Post("/jobs", s.jobs.Submit)
				r.Get("/jobs", s.jobs.List)
				r.Get("/jobs/{id}", s.jobs.Get)
			})
		})
	})
	return r
}

// Handler returns the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.log.Info().Int("port", s.cfg.Port).Msg("HTTP server listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return s.server.Shutdown(ctx)
}
