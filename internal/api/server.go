package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/krezk/herald/internal/audit"
	"github.com/krezk/herald/internal/config"
	"github.com/krezk/herald/internal/dispatch"
	"github.com/krezk/herald/internal/metrics"
	"github.com/krezk/herald/internal/quota"
	"github.com/krezk/herald/internal/settings"
	"github.com/krezk/herald/internal/source"
)

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	dispatcher *dispatch.Dispatcher
	settings   *settings.Store
	quota      *quota.Tracker
	audit      *audit.Log
	correlator *audit.Correlator
	sheets     *source.Store
	config     *config.APIConfig
	logger     *slog.Logger
	startTime  time.Time
}

// NewServer creates a new API server
func NewServer(d *dispatch.Dispatcher, st *settings.Store, q *quota.Tracker, a *audit.Log, c *audit.Correlator, sheets *source.Store, cfg *config.APIConfig, logger *slog.Logger) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		dispatcher: d,
		settings:   st,
		quota:      q,
		audit:      a,
		correlator: c,
		sheets:     sheets,
		config:     cfg,
		logger:     logger,
		startTime:  time.Now(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(metrics.HTTPMiddleware)
	s.router.Use(middleware.Recoverer)

	// Unauthenticated: health check and the open-tracking pixel. The pixel
	// is fetched by recipient mail clients that carry no credentials.
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/track", s.handleTrack)

	// API v1 routes (auth required)
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Post("/batch", s.handleBatch)
		r.Post("/test", s.handleTest)
		r.Get("/quota", s.handleQuota)

		r.Get("/audit/{kind}", s.handleAuditList)
		r.Post("/audit/{kind}/prune", s.handleAuditPrune)

		r.Get("/settings", s.handleGetSettings)
		r.Patch("/settings", s.handlePatchSettings)

		r.Get("/templates", s.handleListTemplates)
		r.Get("/templates/{name}", s.handleGetTemplate)
		r.Put("/templates/{name}", s.handlePutTemplate)
		r.Delete("/templates/{name}", s.handleDeleteTemplate)

		r.Get("/sheets", s.handleListSheets)
		r.Get("/sheets/{name}/recipients", s.handleSheetRecipients)
	})
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:         s.config.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
