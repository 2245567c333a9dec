// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianOnDevice/pkg/logging"
	"github.com/AleutianAI/AleutianOnDevice/services/capability"
	"github.com/AleutianAI/AleutianOnDevice/services/server"
	"github.com/AleutianAI/AleutianOnDevice/services/telemetry"
)

var (
	serveAddr string

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve the capability API over HTTP and websockets",
		Long: `Serve exposes availability, sessions, single runs, streaming,
download progress, batches and the run history over HTTP. Prometheus metrics
are served on /metrics.

When a config file is in use, edits to log_level and probe_interval are
applied without a restart.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
)

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config, 127.0.0.1:8089)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg := config
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	metrics, err := telemetry.NewServerMetrics(otel.Meter("ondevice.server"))
	if err != nil {
		return fmt.Errorf("server metrics: %w", err)
	}

	store, err := app.OpenHistory()
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	sinks, closeSinks, err := app.Sinks(ctx, SinkOptions{
		Format: capability.FormatJSON,
		Influx: cfg.Sinks.Influx.URL != "",
	})
	if err != nil {
		return err
	}
	defer closeSinks()

	srv, err := server.New(cfg.Server, server.Deps{
		Registry:    app.registry,
		History:     store,
		Sinks:       sinks,
		Environment: app.Environment(ctx),
		Metrics:     metrics,
		Logger:      logger.Slog(),
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	if path := watchedConfigPath(); path != "" {
		g.Go(func() error {
			return WatchConfig(gctx, path, logger.Slog(), applyReload)
		})
	}
	return g.Wait()
}

// watchedConfigPath returns the config file serve reloads, or "" when no
// file is in use.
func watchedConfigPath() string {
	path := configPath
	if path == "" {
		path = DefaultConfigFile
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return ""
	}
	return path
}

// applyReload applies the settings that can change while serving. Other
// edits are logged and take effect on restart.
func applyReload(next Config) {
	if level, err := logging.ParseLevel(next.LogLevel); err == nil && logLevelFlag == "" {
		logger.SetLevel(level)
	}
	if next.ProbeInterval > 0 {
		app.registry.Watcher().SetInterval(next.ProbeInterval)
	}
	if next.Backend != config.Backend || next.Host.URL != config.Host.URL || next.Model != config.Model {
		logger.Warn("host settings changed; restart serve to apply them")
	}
}
