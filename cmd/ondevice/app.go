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
	"time"

	"github.com/AleutianAI/AleutianOnDevice/pkg/logging"
	"github.com/AleutianAI/AleutianOnDevice/services/capability"
	"github.com/AleutianAI/AleutianOnDevice/services/history"
	"github.com/AleutianAI/AleutianOnDevice/services/host/ollama"
	"github.com/AleutianAI/AleutianOnDevice/services/host/openai"
	"github.com/AleutianAI/AleutianOnDevice/services/registry"
	"github.com/AleutianAI/AleutianOnDevice/services/sink"
)

// App holds what every command shares: configuration, logger, the
// capability registry and the backend client behind it.
type App struct {
	cfg      Config
	logger   *logging.Logger
	registry *registry.Registry

	ollama *ollama.Client
	openai *openai.Client
}

// NewApp builds the registry over the configured backend.
func NewApp(cfg Config, logger *logging.Logger) (*App, error) {
	models, err := cfg.ModelMap()
	if err != nil {
		return nil, err
	}
	app := &App{cfg: cfg, logger: logger}

	var factory registry.Factory
	switch cfg.Backend {
	case "ollama":
		app.ollama = ollama.NewClient(cfg.Host.URL, ollama.WithLogger(logger.Slog()))
		factory = func(kind capability.Kind) capability.Capability {
			return ollama.NewCapability(app.ollama, kind)
		}
	case "openai":
		opts := []openai.ClientOption{openai.WithLogger(logger.Slog()), openai.WithTimeout(cfg.Host.Timeout)}
		if cfg.Host.APIKey != "" {
			opts = append(opts, openai.WithKey(openai.SealKey([]byte(cfg.Host.APIKey))))
		}
		app.openai = openai.NewClient(cfg.Host.URL, opts...)
		factory = func(kind capability.Kind) capability.Capability {
			return openai.NewCapability(app.openai, kind)
		}
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}

	reg, err := registry.New(registry.Options{
		Factory:          factory,
		Model:            cfg.Model,
		Models:           models,
		Logger:           logger.Slog(),
		WatchInterval:    cfg.ProbeInterval,
		StallTimeout:     cfg.Download.StallTimeout,
		ExpectedDownload: cfg.Download.Expected,
		ChatOptions:      cfg.Chat,
	})
	if err != nil {
		return nil, err
	}
	app.registry = reg
	return app, nil
}

// Close destroys every session.
func (a *App) Close() error {
	return a.registry.Close()
}

// Environment describes the host for export metadata. The host version is
// included when it can be read within two seconds.
func (a *App) Environment(ctx context.Context) string {
	if a.ollama == nil {
		return capability.Environment("openai-compatible", "")
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	v, err := a.ollama.Version(ctx)
	if err != nil {
		a.logger.Debug("host version unavailable", "error", err)
		v = ""
	}
	return capability.Environment("ollama", v)
}

// OpenHistory opens the batch history, or returns nil when it is disabled.
func (a *App) OpenHistory() (*history.Store, error) {
	if a.cfg.History.Disabled {
		return nil, nil
	}
	cfg := history.DefaultConfig(a.cfg.HistoryDir())
	cfg.Logger = a.logger.Slog()
	store, err := history.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open history at %s: %w", cfg.Path, err)
	}
	return store, nil
}

// SinkOptions overrides the configured sinks for one command.
type SinkOptions struct {
	Dir       string
	Format    capability.Format
	GCSBucket string
	Influx    bool
}

// Sinks builds the sinks for one publish and a func closing their clients.
// The GCS bucket and InfluxDB come from the configuration unless opts
// overrides them.
func (a *App) Sinks(ctx context.Context, opts SinkOptions) ([]sink.Sink, func(), error) {
	var (
		sinks   []sink.Sink
		closers []func()
	)
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	if opts.Dir != "" {
		sinks = append(sinks, &sink.FileSink{Dir: opts.Dir, Format: opts.Format})
	}

	bucket := opts.GCSBucket
	if bucket == "" {
		bucket = a.cfg.Sinks.GCS.Bucket
	}
	if bucket != "" {
		up, err := sink.NewGCSUploader(ctx, bucket, a.cfg.Sinks.GCS.Credentials)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("gcs sink: %w", err)
		}
		closers = append(closers, func() { _ = up.Close() })
		format := opts.Format
		if a.cfg.Sinks.GCS.Format != "" && opts.GCSBucket == "" {
			format = capability.Format(a.cfg.Sinks.GCS.Format)
		}
		sinks = append(sinks, &sink.GCSSink{Uploader: up, Prefix: a.cfg.Sinks.GCS.Prefix, Format: format})
	}

	if opts.Influx {
		ic := a.cfg.Sinks.Influx
		if ic.URL == "" {
			closeAll()
			return nil, nil, errors.New("influx sink requested but sinks.influx.url is not configured")
		}
		s := sink.NewInfluxSink(ic.URL, ic.Token, ic.Org, ic.Bucket)
		closers = append(closers, s.Close)
		sinks = append(sinks, s)
	}
	return sinks, closeAll, nil
}
