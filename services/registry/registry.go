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
Package registry owns one session manager per capability kind and wires
each to a download monitor, a progress hub and a state watcher.

The CLI and the HTTP server both go through a Registry, so the rules for
progress and completion live in one place:

	Create ──► DownloadMonitor ──► Hub ──► subscribers (terminal bar, websocket)
	   │             ▲
	   │             │ Complete()
	   └──► Watcher ─┘ (state == available)

Completion is declared either when Create returns a session (the manager
completes the monitor) or when the watcher sees the capability become
available, whichever happens first. A failed Create aborts the monitor: the
hub gets one failed frame and the ticker and watcher stop.
*/
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianOnDevice/services/capability"
	"github.com/AleutianAI/AleutianOnDevice/services/features"
)

// Factory builds the host capability for a kind. A nil return means the
// backend does not offer that kind.
type Factory func(kind capability.Kind) capability.Capability

// Options configures a Registry.
type Options struct {
	// Factory creates capabilities. Required.
	Factory Factory

	// Model is the default host model for every kind.
	Model string

	// Models overrides Model per kind.
	Models map[capability.Kind]string

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// WatchInterval is the state polling interval during creation.
	WatchInterval time.Duration

	// TickInterval drives the estimation fallback of download monitors.
	TickInterval time.Duration

	// StallTimeout and ExpectedDownload tune the estimation fallback.
	StallTimeout     time.Duration
	ExpectedDownload time.Duration

	// ChatOptions seeds the prompt capability's chat client.
	ChatOptions features.ChatOptions

	// OnError receives the first error of each class per capability.
	OnError func(err *capability.Error)
}

// Entry is everything the registry keeps for one kind.
type Entry struct {
	Kind     capability.Kind
	Manager  *capability.SessionManager
	Progress *Hub

	mu      sync.Mutex
	monitor *capability.DownloadMonitor
}

// Monitor returns the monitor of the current or last creation.
func (e *Entry) Monitor() (*capability.DownloadMonitor, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.monitor, e.monitor != nil
}

// Registry lazily creates one Entry per kind.
//
// Thread Safety: All methods are safe for concurrent use.
type Registry struct {
	opts    Options
	logger  *slog.Logger
	prober  *capability.Prober
	watcher *capability.Watcher

	base   context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	entries   map[capability.Kind]*Entry
	chat      *features.Chat
	describer *features.Describer
}

// New creates a registry.
func New(opts Options) (*Registry, error) {
	if opts.Factory == nil {
		return nil, errors.New("registry: factory is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.ChatOptions == (features.ChatOptions{}) {
		opts.ChatOptions = features.DefaultChatOptions()
	}
	prober := capability.NewProber(logger)
	base, cancel := context.WithCancel(context.Background())
	return &Registry{
		opts:    opts,
		logger:  logger,
		prober:  prober,
		watcher: capability.NewWatcher(prober, opts.WatchInterval),
		base:    base,
		cancel:  cancel,
		entries: make(map[capability.Kind]*Entry),
	}, nil
}

// Prober returns the shared prober.
func (r *Registry) Prober() *capability.Prober {
	return r.prober
}

// Watcher returns the shared watcher. Its interval may be changed at runtime.
func (r *Registry) Watcher() *capability.Watcher {
	return r.watcher
}

// Model returns the host model configured for kind.
func (r *Registry) Model(kind capability.Kind) string {
	if m, ok := r.opts.Models[kind]; ok && m != "" {
		return m
	}
	return r.opts.Model
}

// Entry returns the entry for kind, creating it on first use.
func (r *Registry) Entry(kind capability.Kind) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[kind]; ok {
		return e
	}

	e := &Entry{Kind: kind, Progress: NewHub()}
	host := r.opts.Factory(kind)

	// The manager and the reporter name the capability on every line.
	opts := []capability.ManagerOption{
		capability.WithManagerLogger(r.logger),
		capability.WithProber(r.prober),
		capability.WithReporter(capability.NewErrorReporter(r.logger, r.opts.OnError)),
		capability.WithMonitorFactory(func(cfg capability.Config) capability.Monitor {
			return r.startMonitor(e, host, cfg)
		}),
	}
	if kind == capability.KindTranslator {
		opts = append(opts, capability.WithCompatibility(features.CheckTranslatorConfig))
	}
	e.Manager = capability.NewSessionManager(host, opts...)
	r.entries[kind] = e
	return e
}

// startMonitor builds the monitor for one creation and runs its estimation
// ticker and the state watcher until the monitor ends or the registry shuts
// down. The manager ends the monitor on both outcomes of Create: Complete on
// success, Abort on failure.
func (r *Registry) startMonitor(e *Entry, host capability.Capability, cfg capability.Config) capability.Monitor {
	e.Progress.Reset()
	monOpts := []capability.MonitorOption{
		capability.WithOnUpdate(e.Progress.Publish),
		capability.WithMonitorLogger(r.logger.With("kind", cfg.Kind)),
	}
	if r.opts.StallTimeout > 0 {
		monOpts = append(monOpts, capability.WithStallTimeout(r.opts.StallTimeout))
	}
	if r.opts.ExpectedDownload > 0 {
		monOpts = append(monOpts, capability.WithExpectedDuration(r.opts.ExpectedDownload))
	}
	mon := capability.NewDownloadMonitor(monOpts...)

	e.mu.Lock()
	e.monitor = mon
	e.mu.Unlock()

	ctx, cancel := context.WithCancel(r.base)
	go func() {
		<-mon.Done()
		cancel()
	}()
	go mon.Run(ctx, r.opts.TickInterval)
	if host != nil {
		go func() {
			for state := range r.watcher.Watch(ctx, host, cfg) {
				if state == capability.StateAvailable {
					mon.Complete()
				}
			}
		}()
	}
	return mon
}

// Config builds the default session configuration for kind.
func (r *Registry) Config(kind capability.Kind) capability.Config {
	switch kind {
	case capability.KindDetector:
		return r.Detector().Config()
	case capability.KindPrompt:
		return r.Chat().Config()
	case capability.KindMultimodal:
		return r.Describer().Config()
	default:
		return capability.Config{Kind: kind, Model: r.Model(kind)}
	}
}

// Probe reports the readiness of kind for cfg.
func (r *Registry) Probe(ctx context.Context, cfg capability.Config) capability.State {
	e := r.Entry(cfg.Kind)
	return r.prober.Probe(ctx, e.Manager.Capability(), cfg)
}

// Detector returns a detector client.
func (r *Registry) Detector() *features.Detector {
	k := capability.KindDetector
	return features.NewDetector(r.Entry(k).Manager, r.Model(k), r.logger)
}

// Translator returns a translator client.
func (r *Registry) Translator() *features.Translator {
	k := capability.KindTranslator
	return features.NewTranslator(r.Entry(k).Manager, r.Model(k), r.logger)
}

// Describer returns the shared image describer. Stop on it cancels the
// description in flight.
func (r *Registry) Describer() *features.Describer {
	k := capability.KindMultimodal
	e := r.Entry(k)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.describer == nil {
		r.describer = features.NewDescriber(e.Manager, r.Model(k), r.logger)
	}
	return r.describer
}

// Chat returns the shared chat client. Chat keeps options and history, so
// there is exactly one per registry.
func (r *Registry) Chat() *features.Chat {
	k := capability.KindPrompt
	e := r.Entry(k)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.chat == nil {
		r.chat = features.NewChat(e.Manager, r.Model(k), r.opts.ChatOptions, r.logger)
	}
	return r.chat
}

// Invoker returns the batch invocation for kind. Translator batches need a
// language pair.
func (r *Registry) Invoker(kind capability.Kind, source, target string) (capability.InvokeFunc, capability.Config, error) {
	switch kind {
	case capability.KindDetector:
		d := r.Detector()
		return d.Invoke(), d.Config(), nil
	case capability.KindTranslator:
		t := r.Translator()
		return t.Invoke(source, target), t.Config(source, target), nil
	case capability.KindPrompt:
		c := r.Chat()
		return c.Invoke(), c.Config(), nil
	default:
		return nil, capability.Config{}, fmt.Errorf("batch runs are not supported for %s", kind)
	}
}

// Close cancels watchers and in-flight creations and destroys every session.
func (r *Registry) Close() error {
	r.cancel()
	r.mu.Lock()
	entries := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	var errs []error
	for _, e := range entries {
		if err := e.Manager.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.Kind, err))
		}
	}
	return errors.Join(errs...)
}
