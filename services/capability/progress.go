// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package capability

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// DefaultStallTimeout is how long the monitor waits for a regular
	// progress event before switching to time-based estimation.
	DefaultStallTimeout = 5 * time.Second

	// DefaultExpectedDownload is the assumed total download time used by
	// the estimation fallback.
	DefaultExpectedDownload = 2 * time.Minute

	// EstimatedCeiling caps estimated progress. Only real events or
	// Complete can move the display past it.
	EstimatedCeiling = 95.0
)

// =============================================================================
// Types
// =============================================================================

// ProgressEvent is one raw progress notification from the host.
//
// Hosts disagree on units: some report Total == 1 with Loaded as a fraction,
// others report byte counts.
type ProgressEvent struct {
	Loaded float64 `json:"loaded"`
	Total  float64 `json:"total"`
}

// Progress is the normalized download progress.
type Progress struct {
	// Fraction is 0..1 and never decreases within one monitor.
	Fraction float64 `json:"fraction"`

	// RawLoaded and RawTotal echo the last regular event.
	RawLoaded float64 `json:"rawLoaded"`
	RawTotal  float64 `json:"rawTotal"`

	// Percent is Fraction * 100.
	Percent float64 `json:"percent"`

	// Estimated is true when the value comes from the time fallback.
	Estimated bool `json:"estimated"`

	// Complete is true once completion was declared.
	Complete bool `json:"complete"`

	// Failed is true once the download was aborted. Error and ErrorKind
	// describe why.
	Failed    bool   `json:"failed,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"errorKind,omitempty"`
}

// Final reports whether p is the last frame of its monitor.
func (p Progress) Final() bool {
	return p.Complete || p.Failed
}

// NormalizeEvent converts a raw event to a 0..1 fraction.
//
// # Description
//
// Fraction-based events have Total == 1 and 0 <= Loaded <= 1. Byte-based
// events have Total > 1; Loaded is clamped to Total. Every other shape
// (zero or negative total, negative loaded, fraction out of range) is
// irregular and reported with ok == false.
//
// # Examples
//
//	NormalizeEvent(ProgressEvent{Loaded: 50, Total: 100})  // 0.5, true
//	NormalizeEvent(ProgressEvent{Loaded: 0.5, Total: 1})   // 0.5, true
//	NormalizeEvent(ProgressEvent{Loaded: 10, Total: 0})    // 0, false
func NormalizeEvent(ev ProgressEvent) (float64, bool) {
	switch {
	case ev.Total == 1 && ev.Loaded >= 0 && ev.Loaded <= 1:
		return ev.Loaded, true
	case ev.Total > 1 && ev.Loaded >= 0:
		if ev.Loaded >= ev.Total {
			return 1, true
		}
		return ev.Loaded / ev.Total, true
	default:
		return 0, false
	}
}

// MonitorOption configures a DownloadMonitor.
type MonitorOption func(*DownloadMonitor)

// WithStallTimeout sets how long to wait for regular events before estimating.
func WithStallTimeout(d time.Duration) MonitorOption {
	return func(m *DownloadMonitor) { m.stallTimeout = d }
}

// WithExpectedDuration sets the assumed download duration for estimation.
func WithExpectedDuration(d time.Duration) MonitorOption {
	return func(m *DownloadMonitor) { m.expected = d }
}

// WithOnUpdate registers a callback invoked after every displayed change.
func WithOnUpdate(fn func(Progress)) MonitorOption {
	return func(m *DownloadMonitor) { m.onUpdate = fn }
}

// WithOnComplete registers a callback invoked exactly once on completion.
func WithOnComplete(fn func()) MonitorOption {
	return func(m *DownloadMonitor) { m.onComplete = fn }
}

// WithMonitorLogger sets the logger.
func WithMonitorLogger(l *slog.Logger) MonitorOption {
	return func(m *DownloadMonitor) { m.logger = l }
}

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) MonitorOption {
	return func(m *DownloadMonitor) { m.now = now }
}

// DownloadMonitor normalizes progress events for one download lifecycle.
//
// It implements Monitor and can be passed straight to Capability.Create.
// All methods are safe for concurrent use. Callbacks run without the
// internal lock held.
type DownloadMonitor struct {
	mu           sync.Mutex
	progress     Progress
	started      time.Time
	lastRegular  time.Time
	sawRegular   bool
	stallTimeout time.Duration
	expected     time.Duration
	now          func() time.Time
	onUpdate     func(Progress)
	onComplete   func()
	logger       *slog.Logger
	endOnce      sync.Once
	done         chan struct{}
}

// NewDownloadMonitor creates a monitor whose estimation clock starts now.
func NewDownloadMonitor(opts ...MonitorOption) *DownloadMonitor {
	m := &DownloadMonitor{
		stallTimeout: DefaultStallTimeout,
		expected:     DefaultExpectedDownload,
		now:          time.Now,
		logger:       slog.Default(),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.started = m.now()
	return m
}

// Observe handles one raw event. Irregular, duplicate, regressing and
// post-completion events leave the displayed value unchanged.
func (m *DownloadMonitor) Observe(ev ProgressEvent) {
	fraction, ok := NormalizeEvent(ev)

	m.mu.Lock()
	if m.progress.Final() {
		m.mu.Unlock()
		return
	}
	if !ok {
		m.mu.Unlock()
		m.logger.Debug("ignoring irregular progress event",
			"loaded", ev.Loaded, "total", ev.Total)
		return
	}
	m.lastRegular = m.now()
	m.sawRegular = true
	if fraction <= m.progress.Fraction {
		m.mu.Unlock()
		return
	}
	m.progress.Fraction = fraction
	m.progress.Percent = fraction * 100
	m.progress.RawLoaded = ev.Loaded
	m.progress.RawTotal = ev.Total
	m.progress.Estimated = false
	snap := m.progress
	m.mu.Unlock()

	m.emit(snap)
}

// Tick applies the time-based fallback when no regular event arrived within
// the stall timeout. It returns the current progress and whether the value
// changed.
func (m *DownloadMonitor) Tick() (Progress, bool) {
	m.mu.Lock()
	if m.progress.Final() {
		snap := m.progress
		m.mu.Unlock()
		return snap, false
	}

	now := m.now()
	ref := m.started
	if m.sawRegular {
		ref = m.lastRegular
	}
	if now.Sub(ref) < m.stallTimeout || m.expected <= 0 {
		snap := m.progress
		m.mu.Unlock()
		return snap, false
	}

	percent := float64(now.Sub(m.started)) / float64(m.expected) * 100
	if percent > EstimatedCeiling {
		percent = EstimatedCeiling
	}
	if percent <= m.progress.Percent {
		snap := m.progress
		m.mu.Unlock()
		return snap, false
	}
	m.progress.Percent = percent
	m.progress.Fraction = percent / 100
	m.progress.Estimated = true
	snap := m.progress
	m.mu.Unlock()

	m.emit(snap)
	return snap, true
}

// Complete declares the download finished. Only the first call of Complete
// or Abort has any effect; it returns true for that call.
func (m *DownloadMonitor) Complete() bool {
	fired := false
	m.endOnce.Do(func() {
		fired = true
		m.mu.Lock()
		m.progress.Fraction = 1
		m.progress.Percent = 100
		m.progress.Estimated = false
		m.progress.Complete = true
		snap := m.progress
		m.mu.Unlock()

		close(m.done)
		m.emit(snap)
		if m.onComplete != nil {
			m.onComplete()
		}
	})
	return fired
}

// Abort ends the monitor without declaring completion. The displayed value
// is frozen, Done is closed and one failed frame carrying err is emitted.
// It returns false when the monitor had already ended.
func (m *DownloadMonitor) Abort(err error) bool {
	fired := false
	m.endOnce.Do(func() {
		fired = true
		m.mu.Lock()
		m.progress.Failed = true
		m.progress.Estimated = false
		if err != nil {
			m.progress.Error = err.Error()
			if k := KindOf(err); k != 0 {
				m.progress.ErrorKind = k.String()
			}
		}
		snap := m.progress
		m.mu.Unlock()

		close(m.done)
		m.logger.Info("download monitor aborted", "percent", snap.Percent, "error", err)
		m.emit(snap)
	})
	return fired
}

// Snapshot returns the current progress.
func (m *DownloadMonitor) Snapshot() Progress {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.progress
}

// Done is closed when completion is declared or the monitor is aborted.
func (m *DownloadMonitor) Done() <-chan struct{} {
	return m.done
}

// Run calls Tick every interval until ctx is cancelled or the monitor
// ends.
func (m *DownloadMonitor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-ticker.C:
			m.Tick()
		}
	}
}

func (m *DownloadMonitor) emit(p Progress) {
	downloadPercent.Set(p.Percent)
	if m.onUpdate != nil {
		m.onUpdate(p)
	}
}
