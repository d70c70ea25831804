// Package core provides the HTTP chassis for the billing synchronization
// engine. It creates a chi router and enforces cross-cutting concerns
// (panic recovery, request correlation, logging, error handling) before
// requests reach domain-specific handlers.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"subsync/internal/config"
)

// RouteRegistrar mounts a handler's routes onto a chi router. Handlers expose
// a RegisterRoutes method matching this signature; the application entry point
// collects them before MountRoutes is called. This indirection avoids import
// cycles between core and handler packages.
type RouteRegistrar func(r chi.Router)

// Server encapsulates the shared dependencies for the HTTP surface, allowing
// for easy injection during testing and distinct configuration for different
// environments.
type Server struct {
	Config    *config.Config
	Logger    *slog.Logger
	Validator *Validator

	// HealthProbes are executed by the /health endpoint.
	HealthProbes []HealthProbe

	// V1RouteRegistrars are mounted under /v1 by MountRoutes.
	V1RouteRegistrars []RouteRegistrar

	// closers are invoked during Shutdown (DB pools etc.).
	closers []func() error

	router *chi.Mux
}

// NewServer initializes the chassis and prepares the server for route
// mounting. It performs a fail-fast check on critical dependencies.
//
// The caller is responsible for mounting routes (via MountRoutes) after
// construction. This separation allows tests to customize route registration.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the http.Handler interface for the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// RegisterCloser adds a resource-release function executed during Shutdown.
func (s *Server) RegisterCloser(fn func() error) {
	s.closers = append(s.closers, fn)
}

// Shutdown performs a graceful termination of server resources: it closes
// registered resources (database pools, queue clients) in reverse order of
// registration.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.Info("server shutdown initiated")

	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.Logger.Error("error closing server resource", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if firstErr != nil {
		return fmt.Errorf("closing server resources: %w", firstErr)
	}

	s.Logger.Info("server shutdown complete")
	return nil
}
