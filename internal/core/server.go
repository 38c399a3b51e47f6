// Package core provides the API chassis for the Roomio billing service:
// a chi router with the cross-cutting middleware chain (panic recovery,
// request ids, security headers, structured request logging) and the JSON
// response envelope that all handlers write through.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"roomio/internal/config"
)

// Pinger reports storage liveness for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server bundles the router with the dependencies every handler needs.
type Server struct {
	Config    *config.Config
	Logger    *slog.Logger
	Validator *Validator

	// DB liveness probe for /health; optional in tests.
	DB Pinger

	// V1RouteRegistrars is populated by the application entry point with the
	// domain handlers' route registration functions. The indirection keeps
	// core free of handler imports.
	V1RouteRegistrars []func(chi.Router)

	// Closers are shut down (in order) during Shutdown.
	Closers []interface{ Close() error }

	router *chi.Mux
}

// NewServer builds a Server with an empty router. The caller mounts routes
// afterwards so tests can customize registration.
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
		Validator: NewValidator(),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the router as an http.Handler for http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for route registration in tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Shutdown releases server-owned resources after the HTTP listener has
// drained.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.InfoContext(ctx, "server shutdown initiated")
	for _, c := range s.Closers {
		if err := c.Close(); err != nil {
			s.Logger.ErrorContext(ctx, "error closing resource", "error", err)
			return fmt.Errorf("closing resource: %w", err)
		}
	}
	s.Logger.InfoContext(ctx, "server shutdown complete")
	return nil
}
