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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func promptConfig() Config {
	return Config{Kind: KindPrompt, Model: "gemma3", Temperature: 0.7, TopK: 3, MaxTokens: 4096}
}

func TestSessionManager_ConcurrentEnsureReadyCoalesces(t *testing.T) {
	host := &fakeCapability{kind: KindPrompt, state: "available", release: make(chan struct{})}
	mgr := NewSessionManager(host)
	cfg := promptConfig()

	const callers = 8
	var wg sync.WaitGroup
	sessions := make([]Session, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sessions[i], errs[i] = mgr.EnsureReady(context.Background(), cfg)
		}(i)
	}

	require.Eventually(t, func() bool { return host.createCalls.Load() == 1 }, time.Second, time.Millisecond)
	// Give the remaining callers time to join the in-flight creation.
	time.Sleep(20 * time.Millisecond)
	close(host.release)
	wg.Wait()

	assert.Equal(t, int32(1), host.createCalls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, sessions[0], sessions[i])
	}
	assert.Equal(t, LifecycleReady, mgr.State())
}

func TestSessionManager_SameConfigIsNoop(t *testing.T) {
	host := &fakeCapability{kind: KindPrompt, state: "available"}
	mgr := NewSessionManager(host)

	first, err := mgr.EnsureReady(context.Background(), promptConfig())
	require.NoError(t, err)
	second, err := mgr.EnsureReady(context.Background(), promptConfig())
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, int32(1), host.createCalls.Load())
}

func TestSessionManager_ConfigChangeDestroysOldSession(t *testing.T) {
	host := &fakeCapability{kind: KindTranslator, state: "available"}
	mgr := NewSessionManager(host)

	cfg := Config{Kind: KindTranslator, SourceLanguage: "en", TargetLanguage: "es"}
	_, err := mgr.EnsureReady(context.Background(), cfg)
	require.NoError(t, err)

	cfg.TargetLanguage = "ja"
	_, err = mgr.EnsureReady(context.Background(), cfg)
	require.NoError(t, err)

	require.Len(t, host.sessions, 2)
	assert.Equal(t, int32(1), host.sessions[0].destroyCalls.Load())
	assert.Equal(t, int32(0), host.sessions[1].destroyCalls.Load())
	assert.Equal(t, "ja", mgr.Config().TargetLanguage)
}

func TestSessionManager_DestroyIsIdempotent(t *testing.T) {
	host := &fakeCapability{kind: KindPrompt, state: "available"}
	mgr := NewSessionManager(host)

	sess, err := mgr.EnsureReady(context.Background(), promptConfig())
	require.NoError(t, err)

	require.NoError(t, mgr.Destroy())
	require.NoError(t, mgr.Destroy())
	require.NoError(t, sess.Destroy())

	assert.Equal(t, int32(1), host.sessions[0].destroyCalls.Load())
	assert.Equal(t, LifecycleDestroyed, mgr.State())
	_, ok := mgr.Session()
	assert.False(t, ok)
}

func TestSessionManager_CreationFailureResetsToAbsent(t *testing.T) {
	host := &fakeCapability{kind: KindPrompt, state: "downloadable", createErr: errors.New("disk full")}
	var surfaced []*Error
	reporter := NewErrorReporter(nil, func(e *Error) { surfaced = append(surfaced, e) })
	mgr := NewSessionManager(host, WithReporter(reporter))

	_, err := mgr.EnsureReady(context.Background(), promptConfig())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCreationFailed)
	assert.Equal(t, LifecycleAbsent, mgr.State())

	// Retrying attempts creation again, but the duplicate error is not surfaced.
	_, err = mgr.EnsureReady(context.Background(), promptConfig())
	require.Error(t, err)
	assert.Equal(t, int32(2), host.createCalls.Load())
	assert.Len(t, surfaced, 1)
}

func TestSessionManager_HostErrorKindIsKept(t *testing.T) {
	host := &fakeCapability{
		kind:      KindPrompt,
		createErr: NewError(ErrorDownloadFailed, "pull", KindPrompt, errors.New("checksum mismatch")),
	}
	mgr := NewSessionManager(host)
	_, err := mgr.EnsureReady(context.Background(), promptConfig())
	assert.ErrorIs(t, err, ErrDownloadFailed)
	assert.Equal(t, ErrorDownloadFailed, KindOf(err))
}

func TestSessionManager_CompatibilityCheckRejectsBeforeCreate(t *testing.T) {
	host := &fakeCapability{kind: KindTranslator, state: "available"}
	mgr := NewSessionManager(host, WithCompatibility(func(c Config) error {
		if c.TargetLanguage == "xx" {
			return errors.New("pair not supported")
		}
		return nil
	}))

	_, err := mgr.EnsureReady(context.Background(), Config{Kind: KindTranslator, SourceLanguage: "en", TargetLanguage: "xx"})
	assert.ErrorIs(t, err, ErrUnsupportedConfiguration)
	assert.Equal(t, int32(0), host.createCalls.Load())
}

func TestSessionManager_ProberFailsFastWhenUnavailable(t *testing.T) {
	host := &fakeCapability{kind: KindPrompt, state: "unavailable"}
	mgr := NewSessionManager(host, WithProber(NewProber(nil)))

	_, err := mgr.EnsureReady(context.Background(), promptConfig())
	assert.ErrorIs(t, err, ErrCapabilityAbsent)
	assert.Equal(t, int32(0), host.createCalls.Load())
	assert.Equal(t, LifecycleAbsent, mgr.State())
}

func TestSessionManager_MonitorCompletedOnSuccess(t *testing.T) {
	host := &fakeCapability{
		kind:   KindPrompt,
		state:  "downloadable",
		events: []ProgressEvent{{Loaded: 25, Total: 100}, {Loaded: 75, Total: 100}},
	}
	var monitor *DownloadMonitor
	mgr := NewSessionManager(host, WithMonitorFactory(func(Config) Monitor {
		monitor = NewDownloadMonitor()
		return monitor
	}))

	_, err := mgr.EnsureReady(context.Background(), promptConfig())
	require.NoError(t, err)
	require.NotNil(t, monitor)
	snap := monitor.Snapshot()
	assert.True(t, snap.Complete)
	assert.Equal(t, 100.0, snap.Percent)
}

func TestSessionManager_MonitorAbortedOnFailure(t *testing.T) {
	host := &fakeCapability{
		kind:      KindPrompt,
		state:     "downloadable",
		events:    []ProgressEvent{{Loaded: 10, Total: 100}},
		createErr: errors.New("connection reset"),
	}
	var monitor *DownloadMonitor
	mgr := NewSessionManager(host, WithMonitorFactory(func(Config) Monitor {
		monitor = NewDownloadMonitor()
		return monitor
	}))

	_, err := mgr.EnsureReady(context.Background(), promptConfig())
	require.Error(t, err)
	require.NotNil(t, monitor)

	select {
	case <-monitor.Done():
	default:
		t.Fatal("monitor left running after a failed creation")
	}
	snap := monitor.Snapshot()
	assert.True(t, snap.Failed)
	assert.False(t, snap.Complete)
	assert.InDelta(t, 10, snap.Percent, 1e-9)
	assert.Equal(t, "creation-failed", snap.ErrorKind)
}

func TestSessionManager_CancelledCreationAbortsMonitor(t *testing.T) {
	host := &fakeCapability{kind: KindPrompt, state: "downloadable", release: make(chan struct{})}
	var monitor *DownloadMonitor
	mgr := NewSessionManager(host, WithMonitorFactory(func(Config) Monitor {
		monitor = NewDownloadMonitor()
		return monitor
	}))

	done := make(chan error, 1)
	go func() {
		_, err := mgr.EnsureReady(context.Background(), promptConfig())
		done <- err
	}()
	require.Eventually(t, func() bool { return host.createCalls.Load() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, mgr.Close())
	require.Error(t, <-done)

	select {
	case <-monitor.Done():
	case <-time.After(time.Second):
		t.Fatal("monitor left running after Close")
	}
	assert.True(t, monitor.Snapshot().Failed)
}

func TestSessionManager_LoadLatencyRecordedOnce(t *testing.T) {
	host := &fakeCapability{kind: KindPrompt, state: "available"}
	mgr := NewSessionManager(host)

	_, ok := mgr.LoadLatency()
	assert.False(t, ok)

	_, err := mgr.EnsureReady(context.Background(), promptConfig())
	require.NoError(t, err)
	first, ok := mgr.LoadLatency()
	require.True(t, ok)

	cfg := promptConfig()
	cfg.Temperature = 0.2
	_, err = mgr.EnsureReady(context.Background(), cfg)
	require.NoError(t, err)
	second, _ := mgr.LoadLatency()
	assert.Equal(t, first, second)
}

func TestSessionManager_CallerCancelDoesNotAbortSharedCreation(t *testing.T) {
	host := &fakeCapability{kind: KindPrompt, state: "available", release: make(chan struct{})}
	mgr := NewSessionManager(host)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := mgr.EnsureReady(ctx, promptConfig())
		done <- err
	}()
	require.Eventually(t, func() bool { return host.createCalls.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(host.release)
	require.Eventually(t, func() bool { return mgr.State() == LifecycleReady }, time.Second, time.Millisecond)

	_, err := mgr.EnsureReady(context.Background(), promptConfig())
	require.NoError(t, err)
	assert.Equal(t, int32(1), host.createCalls.Load())
}

func TestSessionManager_CloseCancelsCreation(t *testing.T) {
	host := &fakeCapability{kind: KindPrompt, state: "available", release: make(chan struct{})}
	mgr := NewSessionManager(host)

	done := make(chan error, 1)
	go func() {
		_, err := mgr.EnsureReady(context.Background(), promptConfig())
		done <- err
	}()
	require.Eventually(t, func() bool { return host.createCalls.Load() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, mgr.Close())

	err := <-done
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, LifecycleAbsent, mgr.State())
}

func TestSessionManager_RunErrorsLeaveSessionUsable(t *testing.T) {
	host := &fakeCapability{kind: KindPrompt, state: "available", runErr: errors.New("quota")}
	mgr := NewSessionManager(host)

	_, err := mgr.Run(context.Background(), TextInput("hi"))
	assert.ErrorIs(t, err, ErrInvocationFailed, "not ready yet")

	_, err = mgr.EnsureReady(context.Background(), promptConfig())
	require.NoError(t, err)

	_, err = mgr.Run(context.Background(), TextInput("hi"))
	assert.ErrorIs(t, err, ErrInvocationFailed)
	assert.Equal(t, LifecycleReady, mgr.State())
}

func TestSessionManager_RunOnKeepsReturnedSession(t *testing.T) {
	host := &fakeCapability{kind: KindTranslator, state: "available"}
	mgr := NewSessionManager(host)

	es := Config{Kind: KindTranslator, SourceLanguage: "en", TargetLanguage: "es"}
	ja := Config{Kind: KindTranslator, SourceLanguage: "en", TargetLanguage: "ja"}
	sessES, err := mgr.EnsureReady(context.Background(), es)
	require.NoError(t, err)
	_, err = mgr.EnsureReady(context.Background(), ja)
	require.NoError(t, err)

	// The manager now holds the ja session; RunOn still uses the es one.
	_, err = mgr.RunOn(context.Background(), sessES, TextInput("hi"))
	require.NoError(t, err)
	host.mu.Lock()
	require.Len(t, host.sessions, 2)
	esSession := host.sessions[0]
	host.mu.Unlock()
	assert.Equal(t, "es", esSession.cfg.TargetLanguage)
	assert.Equal(t, int32(1), esSession.runCalls.Load())
	assert.Equal(t, "ja", mgr.Config().TargetLanguage)

	_, err = mgr.RunOn(context.Background(), nil, TextInput("hi"))
	assert.ErrorIs(t, err, ErrInvocationFailed)
}

func TestAsCapabilityError_LeavesSentinelsUntouched(t *testing.T) {
	for _, sentinel := range []*Error{ErrCapabilityAbsent, ErrDownloadFailed, ErrCreationFailed, ErrInvocationFailed} {
		before := *sentinel

		got := asCapabilityError(sentinel, ErrorCreationFailed, "create", KindPrompt)
		assert.NotSame(t, sentinel, got)
		assert.Equal(t, "create", got.Op)
		assert.Equal(t, KindPrompt, got.Capability)
		assert.Equal(t, sentinel.Kind, got.Kind)
		assert.Equal(t, before, *sentinel)
	}
}

func TestSessionManager_HostReturningSentinelDoesNotChangeIt(t *testing.T) {
	host := &fakeCapability{kind: KindPrompt, createErr: ErrDownloadFailed}
	mgr := NewSessionManager(host)

	_, err := mgr.EnsureReady(context.Background(), promptConfig())
	assert.ErrorIs(t, err, ErrDownloadFailed)
	assert.Empty(t, ErrDownloadFailed.Op)
	assert.Empty(t, ErrDownloadFailed.Capability)
}

func TestSessionManager_NilCapability(t *testing.T) {
	mgr := NewSessionManager(nil)
	_, err := mgr.EnsureReady(context.Background(), promptConfig())
	assert.ErrorIs(t, err, ErrCapabilityAbsent)
}
