// Package api exposes the HTTP management interface: task lifecycle,
// service administration and delivery event ingestion.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lettermill/lettermill/internal/config"
	"github.com/lettermill/lettermill/internal/freeze"
	"github.com/lettermill/lettermill/internal/governor"
	"github.com/lettermill/lettermill/internal/lifecycle"
	"github.com/lettermill/lettermill/internal/resolver"
	"github.com/lettermill/lettermill/internal/store"
)

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	store      *store.Store
	lifecycle  *lifecycle.Service
	governor   *governor.Governor
	freezer    *freeze.Manager
	config     *config.APIConfig
	logger     *slog.Logger
	metrics    http.Handler
	startTime  time.Time
}

// NewServer creates a new API server. metricsHandler may be nil when
// metrics are disabled.
func NewServer(s *store.Store, lc *lifecycle.Service, gov *governor.Governor, fr *freeze.Manager, cfg *config.APIConfig, metricsHandler http.Handler, logger *slog.Logger) *Server {
	srv := &Server{
		router:    chi.NewRouter(),
		store:     s,
		lifecycle: lc,
		governor:  gov,
		freezer:   fr,
		config:    cfg,
		logger:    logger,
		metrics:   metricsHandler,
		startTime: time.Now(),
	}

	srv.setupRoutes()
	return srv
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics)
	}

	// API v1 routes (auth required)
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Post("/tasks", s.handleCreateTask)
		r.Get("/tasks", s.handleListTasks)
		r.Get("/tasks/{id}", s.handleGetTask)
		r.Post("/tasks/{id}/activate", s.handleActivateTask)
		r.Post("/tasks/{id}/pause", s.handlePauseTask)
		r.Post("/tasks/{id}/resume", s.handleResumeTask)
		r.Post("/tasks/{id}/unschedule", s.handleUnscheduleTask)
		r.Post("/tasks/{id}/cancel", s.handleCancelTask)
		r.Post("/tasks/{id}/close", s.handleCloseTask)
		r.Get("/tasks/{id}/subtasks", s.handleListSubTasks)

		r.Post("/services", s.handleCreateService)
		r.Get("/services", s.handleListServices)
		r.Get("/services/{id}", s.handleGetService)
		r.Post("/services/{id}/enable", s.handleEnableService)
		r.Post("/services/{id}/disable", s.handleDisableService)
		r.Post("/services/{id}/unfreeze", s.handleUnfreezeService)
		r.Post("/services/{id}/quota", s.handleAdjustQuota)
		r.Get("/services/{id}/quota-log", s.handleQuotaLog)

		r.Post("/senders", s.handleCreateSender)
		r.Get("/senders", s.handleListSenders)
		r.Delete("/senders/{id}", s.handleDeleteSender)

		r.Post("/contacts", s.handleCreateContact)
		r.Get("/contacts", s.handleListContacts)

		r.Post("/template-sets", s.handleCreateTemplateSet)
		r.Get("/template-sets/{id}", s.handleGetTemplateSet)

		r.Post("/events", s.handleDeliveryEvent)
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

// Handler returns the router, used by tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

// sendError sends a JSON error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}

// sendDomainError maps domain errors onto HTTP status codes
func (s *Server) sendDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.sendError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrConflict):
		s.sendError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrSenderInUse):
		s.sendError(w, http.StatusConflict, err.Error())
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		s.sendError(w, http.StatusConflict, err.Error())
	case errors.Is(err, lifecycle.ErrValidation):
		s.sendError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, resolver.ErrEmptyRecipientSet):
		s.sendError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, freeze.ErrBadAdjustment):
		s.sendError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("internal error", "error", err)
		s.sendError(w, http.StatusInternalServerError, "internal error")
	}
}
