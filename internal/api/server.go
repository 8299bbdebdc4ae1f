// Connguard - Concurrent IP Limit Enforcement for VPN Access Panels
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/connguard

// Package api exposes the engine to operators over a small JSON HTTP
// facade. All mutations funnel through the engine's command setters so
// its single-writer discipline is preserved.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/connguard/internal/config"
	"github.com/tomtom215/connguard/internal/engine"
	"github.com/tomtom215/connguard/internal/logging"
	"github.com/tomtom215/connguard/internal/stream"
)

// Engine is the command surface the facade drives.
type Engine interface {
	Snapshot(ctx context.Context) ([]engine.UserSnapshot, error)
	User(ctx context.Context, name string) (engine.UserSnapshot, bool, error)
	SetSpecialLimit(ctx context.Context, name string, limit int) error
	ClearSpecialLimit(ctx context.Context, name string) error
	SetException(ctx context.Context, name string, excepted bool) error
	ForceEnable(ctx context.Context, name string) error
	ForceDisable(ctx context.Context, name string) error
	Cleanup(ctx context.Context) ([]string, error)
}

// Enforcer is the runtime-mutable part of the actuator.
type Enforcer interface {
	SetMethod(method string, disabledGroupID int) error
}

// NodeHealth reports stream state, usually backed by the stream manager.
type NodeHealth interface {
	Health() []stream.NodeHealth
}

// Server is the administrative HTTP facade.
type Server struct {
	cfg      config.APIConfig
	engine   Engine
	enforcer Enforcer
	nodes    NodeHealth
}

// NewServer wires the facade. nodes may be nil when stream health is
// not exposed.
func NewServer(cfg config.APIConfig, eng Engine, enf Enforcer, nodes NodeHealth) *Server {
	return &Server{cfg: cfg, engine: eng, enforcer: enf, nodes: nodes}
}

func (s *Server) String() string { return "api-server" }

// Serve runs the HTTP server until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", addr).Msg("API server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			logging.Warn().Err(err).Msg("API server shutdown")
		}
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Routes builds the router. Exposed separately for tests.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.CORSOrigins,
			AllowedMethods: []string{"GET", "PUT", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if s.cfg.RateLimitReqs > 0 {
			r.Use(httprate.LimitByIP(s.cfg.RateLimitReqs, s.cfg.RateLimitWindow))
		}

		r.Get("/users", s.handleListUsers)
		r.Get("/nodes", s.handleListNodes)
		r.Post("/cleanup", s.handleCleanup)
		r.Put("/config/disable-method", s.handleSetDisableMethod)

		r.Route("/users/{name}", func(r chi.Router) {
			r.Get("/", s.handleGetUser)
			r.Put("/limit", s.handleSetLimit)
			r.Delete("/limit", s.handleClearLimit)
			r.Put("/exception", s.handleSetException)
			r.Delete("/exception", s.handleClearException)
			r.Post("/enable", s.handleEnable)
			r.Post("/disable", s.handleDisable)
		})
	})

	return r
}
