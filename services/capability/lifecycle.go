// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package capability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// =============================================================================
// Lifecycle State
// =============================================================================

// LifecycleState is the state of the session held by a SessionManager.
type LifecycleState int

const (
	// LifecycleAbsent means no session exists and none is being created.
	LifecycleAbsent LifecycleState = iota

	// LifecycleCreating means Create is in flight (possibly downloading).
	LifecycleCreating

	// LifecycleReady means a session is held and usable.
	LifecycleReady

	// LifecycleDestroyed means the last session was torn down.
	LifecycleDestroyed
)

// String returns the lifecycle state name.
func (s LifecycleState) String() string {
	switch s {
	case LifecycleAbsent:
		return "absent"
	case LifecycleCreating:
		return "creating"
	case LifecycleReady:
		return "ready"
	case LifecycleDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s LifecycleState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *LifecycleState) UnmarshalText(text []byte) error {
	for _, candidate := range []LifecycleState{LifecycleAbsent, LifecycleCreating, LifecycleReady, LifecycleDestroyed} {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown lifecycle state %q", text)
}

// =============================================================================
// Options
// =============================================================================

// ManagerOption configures a SessionManager.
type ManagerOption func(*SessionManager)

// WithManagerLogger sets the logger.
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *SessionManager) { m.logger = l }
}

// WithReporter sets the error reporter. The reporter is reset whenever a new
// session becomes ready.
func WithReporter(r *ErrorReporter) ManagerOption {
	return func(m *SessionManager) { m.reporter = r }
}

// WithCompatibility registers a check run before every creation. A non-nil
// error rejects the configuration without touching the host.
func WithCompatibility(check func(Config) error) ManagerOption {
	return func(m *SessionManager) { m.compat = check }
}

// WithProber makes EnsureReady probe before creating and fail fast with
// ErrCapabilityAbsent when the host reports unavailable.
func WithProber(p *Prober) ManagerOption {
	return func(m *SessionManager) { m.prober = p }
}

// WithMonitorFactory supplies a progress monitor for each creation. Monitors
// that expose Complete() are completed when creation succeeds, and monitors
// that expose Abort(error) are aborted when it fails.
func WithMonitorFactory(fn func(Config) Monitor) ManagerOption {
	return func(m *SessionManager) { m.monitorFor = fn }
}

// =============================================================================
// SessionManager
// =============================================================================

// SessionManager owns at most one session of one capability.
//
// # Description
//
// EnsureReady is the only way to obtain a session. A ready session with an
// unchanged configuration key is reused. A changed configuration destroys
// the old session before creating the new one. Concurrent EnsureReady calls
// for the same key share a single in-flight Create. A failed creation leaves
// the manager absent and is never retried automatically.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type SessionManager struct {
	capability Capability
	logger     *slog.Logger
	reporter   *ErrorReporter
	compat     func(Config) error
	prober     *Prober
	monitorFor func(Config) Monitor

	flight   singleflight.Group
	createMu sync.Mutex

	mu          sync.RWMutex
	state       LifecycleState
	session     *ownedSession
	cfg         Config
	key         string
	loadLatency time.Duration
	latencySet  bool

	base       context.Context
	baseCancel context.CancelFunc
}

// NewSessionManager creates a manager for one capability.
func NewSessionManager(c Capability, opts ...ManagerOption) *SessionManager {
	base, cancel := context.WithCancel(context.Background())
	m := &SessionManager{
		capability: c,
		logger:     slog.Default(),
		base:       base,
		baseCancel: cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.reporter == nil {
		m.reporter = NewErrorReporter(m.logger, nil)
	}
	return m
}

// EnsureReady returns a ready session for cfg, creating it if needed.
//
// # Description
//
// The caller's ctx bounds only this caller's wait. The shared creation keeps
// running when one waiter gives up, so other waiters still get the session;
// Close cancels it.
//
// # Inputs
//
//   - ctx: Context bounding the wait
//   - cfg: Desired session configuration
//
// # Outputs
//
//   - Session: The ready session (do not call Destroy on it; use the manager)
//   - error: *Error with kind unsupported-configuration, capability-absent,
//     download-failed or creation-failed
//
// # Examples
//
//	sess, err := mgr.EnsureReady(ctx, capability.Config{Kind: capability.KindPrompt, Model: "gemma3"})
//	if errors.Is(err, capability.ErrCapabilityAbsent) {
//	    fmt.Println("model host does not offer chat")
//	}
func (m *SessionManager) EnsureReady(ctx context.Context, cfg Config) (Session, error) {
	if m.capability == nil {
		err := NewError(ErrorCapabilityAbsent, "create", cfg.Kind, errors.New("no capability configured"))
		m.reporter.Report(err)
		return nil, err
	}
	if m.compat != nil {
		if cerr := m.compat(cfg); cerr != nil {
			err := asCapabilityError(cerr, ErrorUnsupportedConfiguration, "create", cfg.Kind)
			m.reporter.Report(err)
			return nil, err
		}
	}

	key := cfg.Key()
	if s, ok := m.readyFor(key); ok {
		return s, nil
	}

	// Creation runs detached from any single caller.
	ch := m.flight.DoChan(key, func() (any, error) {
		cctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		stop := context.AfterFunc(m.base, cancel)
		defer stop()
		defer cancel()
		return m.create(cctx, cfg, key)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Session), nil
	}
}

func (m *SessionManager) readyFor(key string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state == LifecycleReady && m.key == key && m.session != nil {
		return m.session, true
	}
	return nil, false
}

func (m *SessionManager) create(ctx context.Context, cfg Config, key string) (Session, error) {
	m.createMu.Lock()
	defer m.createMu.Unlock()

	// A creation for this key may have finished while we waited.
	if s, ok := m.readyFor(key); ok {
		return s, nil
	}

	m.mu.Lock()
	old := m.session
	if old != nil {
		m.session = nil
		m.state = LifecycleDestroyed
	}
	m.mu.Unlock()
	if old != nil {
		m.logger.Info("configuration changed, destroying session",
			"kind", cfg.Kind, "old", m.cfg.Describe(), "new", cfg.Describe())
		if err := old.Destroy(); err != nil {
			m.logger.Warn("destroy failed", "kind", cfg.Kind, "error", err)
		}
	}

	if m.prober != nil {
		state := m.prober.Probe(ctx, m.capability, cfg)
		if state == StateUnavailable {
			m.setAbsent()
			err := NewError(ErrorCapabilityAbsent, "create", cfg.Kind, nil)
			m.reporter.Report(err)
			sessionCreations.WithLabelValues(string(cfg.Kind), "error").Inc()
			return nil, err
		}
	}

	m.mu.Lock()
	m.state = LifecycleCreating
	m.key = key
	m.cfg = cfg
	m.mu.Unlock()

	var monitor Monitor
	if m.monitorFor != nil {
		monitor = m.monitorFor(cfg)
	}

	m.logger.Info("creating session", "kind", cfg.Kind, "config", cfg.Describe())
	start := time.Now()
	sess, err := m.capability.Create(ctx, cfg, monitor)
	elapsed := time.Since(start)
	sessionCreateDuration.WithLabelValues(string(cfg.Kind)).Observe(elapsed.Seconds())

	if err == nil && sess == nil {
		err = errors.New("host returned no session")
	}
	if err != nil {
		m.setAbsent()
		ce := asCapabilityError(err, ErrorCreationFailed, "create", cfg.Kind)
		if a, ok := monitor.(interface{ Abort(error) bool }); ok {
			a.Abort(ce)
		}
		m.reporter.Report(ce)
		sessionCreations.WithLabelValues(string(cfg.Kind), "error").Inc()
		return nil, ce
	}

	owned := &ownedSession{Session: sess}
	m.mu.Lock()
	m.session = owned
	m.state = LifecycleReady
	if !m.latencySet {
		m.loadLatency = elapsed
		m.latencySet = true
	}
	m.mu.Unlock()

	if c, ok := monitor.(interface{ Complete() bool }); ok {
		c.Complete()
	}
	m.reporter.Reset()
	sessionCreations.WithLabelValues(string(cfg.Kind), "success").Inc()
	m.logger.Info("session ready", "kind", cfg.Kind, "duration", elapsed)
	return owned, nil
}

func (m *SessionManager) setAbsent() {
	m.mu.Lock()
	m.state = LifecycleAbsent
	m.key = ""
	m.session = nil
	m.mu.Unlock()
}

// Destroy tears down the current session, if any. Calling it again is a
// no-op.
func (m *SessionManager) Destroy() error {
	m.mu.Lock()
	s := m.session
	m.session = nil
	if s != nil {
		m.state = LifecycleDestroyed
		m.key = ""
	}
	m.mu.Unlock()
	if s == nil {
		return nil
	}
	m.logger.Info("destroying session", "kind", m.capability.Kind())
	return s.Destroy()
}

// Close cancels any in-flight creation and destroys the session.
func (m *SessionManager) Close() error {
	m.baseCancel()
	return m.Destroy()
}

// State returns the lifecycle state.
func (m *SessionManager) State() LifecycleState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Session returns the ready session, if any.
func (m *SessionManager) Session() (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != LifecycleReady || m.session == nil {
		return nil, false
	}
	return m.session, true
}

// Config returns the configuration of the current or last session.
func (m *SessionManager) Config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// LoadLatency returns how long the first successful creation took. It is
// recorded once per manager.
func (m *SessionManager) LoadLatency() (time.Duration, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loadLatency, m.latencySet
}

// Reporter returns the manager's error reporter.
func (m *SessionManager) Reporter() *ErrorReporter {
	return m.reporter
}

// Kind returns the managed capability kind.
func (m *SessionManager) Kind() Kind {
	if m.capability == nil {
		return ""
	}
	return m.capability.Kind()
}

// Capability returns the managed capability.
func (m *SessionManager) Capability() Capability {
	return m.capability
}

// Run invokes the session the manager holds right now. Callers that just
// obtained a session from EnsureReady should use RunOn with it instead:
// another caller may have replaced the held session in between.
func (m *SessionManager) Run(ctx context.Context, in Input) (string, error) {
	s, ok := m.Session()
	if !ok {
		return "", NewError(ErrorInvocationFailed, "run", m.Kind(), errors.New("session not ready"))
	}
	return m.RunOn(ctx, s, in)
}

// RunOn invokes s, a session returned by EnsureReady, once. The input runs
// with the configuration s was created for even if the manager has moved on
// to another one. Failures are reported as invocation-failed and leave the
// session usable.
func (m *SessionManager) RunOn(ctx context.Context, s Session, in Input) (string, error) {
	if s == nil {
		return "", NewError(ErrorInvocationFailed, "run", m.Kind(), errors.New("no session"))
	}
	out, err := s.Run(ctx, in)
	if err != nil {
		ce := asCapabilityError(err, ErrorInvocationFailed, "run", m.Kind())
		m.reporter.Report(ce)
		invocations.WithLabelValues(string(m.Kind()), "run", "error").Inc()
		return "", ce
	}
	invocations.WithLabelValues(string(m.Kind()), "run", "success").Inc()
	return out, nil
}

// ownedSession makes Destroy idempotent.
type ownedSession struct {
	Session
	once sync.Once
	err  error
}

func (s *ownedSession) Destroy() error {
	s.once.Do(func() { s.err = s.Session.Destroy() })
	return s.err
}

// asCapabilityError keeps the class of an existing *Error, otherwise wraps
// err with kind. The found *Error is copied before Op and Capability are
// filled in, so package sentinels are never modified.
func asCapabilityError(err error, kind ErrorKind, op string, k Kind) *Error {
	var found *Error
	if errors.As(err, &found) {
		ce := *found
		if ce.Capability == "" {
			ce.Capability = k
		}
		if ce.Op == "" {
			ce.Op = op
		}
		return &ce
	}
	return NewError(kind, op, k, err)
}
