// Package server exposes the HTTP API: document ingestion, sync scheduling,
// batch progress, health, and metrics.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/agustin-herrera/taxdocs-tracker/internal/portal"
	"github.com/agustin-herrera/taxdocs-tracker/internal/repository"
	"github.com/agustin-herrera/taxdocs-tracker/internal/store"
	"github.com/agustin-herrera/taxdocs-tracker/internal/telemetry"
)

type Server struct {
	logger    *slog.Logger
	httpSrv   *http.Server
	items     repository.QueueItemRepository
	scheduler *portal.Scheduler
	progress  *portal.Aggregator
	db        *store.Store
}

func New(
	addr string,
	logger *slog.Logger,
	items repository.QueueItemRepository,
	scheduler *portal.Scheduler,
	progress *portal.Aggregator,
	db *store.Store,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		logger:    logger,
		items:     items,
		scheduler: scheduler,
		progress:  progress,
		db:        db,
	}
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/documents", s.handleIngest)
		r.Route("/sync", func(r chi.Router) {
			r.Post("/schedule", s.handleSchedule)
			r.Get("/batches/{batchID}", s.handleBatchProgress)
		})
	})
	return r
}

func (s *Server) Start() error {
	s.logger.Info("http.listen", "addr", s.httpSrv.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http.shutdown")
	return s.httpSrv.Shutdown(ctx)
}

// Handler exposes the routed mux for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}
