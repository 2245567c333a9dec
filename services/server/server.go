// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package server exposes the readiness client over HTTP and websockets.

# Routes

	GET    /healthz
	GET    /metrics
	GET    /v1/capabilities/:kind/availability
	POST   /v1/capabilities/:kind/session
	DELETE /v1/capabilities/:kind/session
	GET    /v1/capabilities/:kind/progress      (websocket)
	POST   /v1/capabilities/:kind/run
	GET    /v1/capabilities/:kind/stream        (websocket)
	POST   /v1/capabilities/:kind/batch
	GET    /v1/runs
	GET    /v1/runs/:id
	DELETE /v1/runs/:id
	GET    /v1/runs/:id/export?format=csv|json

Errors are JSON bodies of the form {"error", "kind", "remediation"}.
*/
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianOnDevice/services/history"
	"github.com/AleutianAI/AleutianOnDevice/services/registry"
	"github.com/AleutianAI/AleutianOnDevice/services/sink"
	"github.com/AleutianAI/AleutianOnDevice/services/telemetry"
)

// Config controls the listener and request limits.
type Config struct {
	// Addr is the listen address, e.g. "127.0.0.1:8089".
	Addr string `yaml:"addr" envconfig:"ADDR" validate:"required"`

	// RequestsPerSecond and Burst bound requests per client IP. Zero disables
	// the limiter.
	RequestsPerSecond float64 `yaml:"requests_per_second" envconfig:"RPS" validate:"gte=0"`
	Burst             int     `yaml:"burst" envconfig:"BURST" validate:"gte=0"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`

	// AllowedOrigins lists websocket origins. Empty allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
}

// DefaultConfig returns a loopback listener with a generous limiter.
func DefaultConfig() Config {
	return Config{
		Addr:              "127.0.0.1:8089",
		RequestsPerSecond: 20,
		Burst:             40,
		ShutdownTimeout:   10 * time.Second,
	}
}

// Deps are the services the handlers use. Registry is required; a nil
// History disables persistence and the /v1/runs routes answer 503.
type Deps struct {
	Registry    *registry.Registry
	History     *history.Store
	Sinks       []sink.Sink
	Environment string
	Metrics     *telemetry.ServerMetrics
	Logger      *slog.Logger
}

// Server is the HTTP front end.
type Server struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	router *gin.Engine
}

// New builds the router. It does not start listening.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Registry == nil {
		return nil, errors.New("server: registry is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Server{cfg: cfg, deps: deps, logger: deps.Logger}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("ondevice"))
	router.Use(s.observe())
	if cfg.RequestsPerSecond > 0 {
		router.Use(RateLimit(cfg.RequestsPerSecond, cfg.Burst))
	}
	s.router = router
	s.routes()
	return s, nil
}

// Router returns the engine, for tests and embedding.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) routes() {
	s.router.GET("/healthz", s.healthz)
	s.router.GET("/metrics", gin.WrapH(telemetry.MetricsHandler()))

	v1 := s.router.Group("/v1")
	{
		caps := v1.Group("/capabilities/:kind")
		caps.Use(s.bindKind())
		{
			caps.GET("/availability", s.availability)
			caps.POST("/session", s.createSession)
			caps.DELETE("/session", s.destroySession)
			caps.GET("/progress", s.progressSocket)
			caps.POST("/run", s.run)
			caps.GET("/stream", s.streamSocket)
			caps.POST("/batch", s.batch)
		}

		runs := v1.Group("/runs")
		{
			runs.GET("", s.listRuns)
			runs.GET("/:id", s.getRun)
			runs.DELETE("/:id", s.deleteRun)
			runs.GET("/:id/export", s.exportRun)
		}
	}
}

// Run listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	s.logger.Info("server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"environment": s.deps.Environment,
		"history":     s.deps.History != nil,
	})
}
