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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_IsMatchesByKind(t *testing.T) {
	cause := errors.New("socket closed")
	err := fmt.Errorf("wrapped: %w", NewError(ErrorStreamFailed, "stream", KindPrompt, cause))

	assert.ErrorIs(t, err, ErrStreamFailed)
	assert.NotErrorIs(t, err, ErrInvocationFailed)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, ErrorStreamFailed, KindOf(err))
	assert.Equal(t, ErrorKind(0), KindOf(cause))
}

func TestError_Messages(t *testing.T) {
	err := NewError(ErrorUnsupportedConfiguration, "create", KindTranslator, errors.New("en → xx not supported"))
	assert.Equal(t, "translator create: unsupported-configuration: en → xx not supported", err.Error())
	assert.Contains(t, err.FullError(), "To fix:")

	bare := &Error{Kind: ErrorCapabilityAbsent}
	assert.Equal(t, "capability-absent", bare.Error())
}

func TestErrorReporter_FirstPerClass(t *testing.T) {
	var surfaced []ErrorKind
	r := NewErrorReporter(nil, func(e *Error) { surfaced = append(surfaced, e.Kind) })

	assert.True(t, r.Report(NewError(ErrorInvocationFailed, "run", KindPrompt, errors.New("a"))))
	assert.False(t, r.Report(NewError(ErrorInvocationFailed, "run", KindPrompt, errors.New("b"))))
	assert.True(t, r.Report(NewError(ErrorStreamFailed, "stream", KindPrompt, errors.New("c"))))
	assert.False(t, r.Report(errors.New("plain errors count as invocation failures")))
	assert.False(t, r.Report(nil))

	assert.Equal(t, []ErrorKind{ErrorInvocationFailed, ErrorStreamFailed}, surfaced)

	r.Reset()
	assert.True(t, r.Report(NewError(ErrorInvocationFailed, "run", KindPrompt, errors.New("d"))))
}

// -----------------------------------------------------------------------------
// Watcher
// -----------------------------------------------------------------------------

// sequenceCapability answers probes from a script, repeating the last entry.
type sequenceCapability struct {
	fakeCapability
	states []string
	calls  int
}

func (s *sequenceCapability) Availability(ctx context.Context, cfg Config) (string, error) {
	i := s.calls
	if i >= len(s.states) {
		i = len(s.states) - 1
	}
	s.calls++
	return s.states[i], nil
}

func TestWatcher_EmitsChangesUntilAvailable(t *testing.T) {
	host := &sequenceCapability{
		fakeCapability: fakeCapability{kind: KindPrompt},
		states:         []string{"downloadable", "downloading", "downloading", "available"},
	}
	w := NewWatcher(NewProber(nil), time.Millisecond)

	var got []State
	for s := range w.Watch(context.Background(), host, Config{Kind: KindPrompt}) {
		got = append(got, s)
	}
	assert.Equal(t, []State{StateDownloadable, StateDownloading, StateAvailable}, got)
	assert.Equal(t, 4, host.calls)
}

func TestWatcher_StopsOnCancel(t *testing.T) {
	host := &fakeCapability{kind: KindPrompt, state: "downloading"}
	w := NewWatcher(nil, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	ch := w.Watch(ctx, host, Config{Kind: KindPrompt})
	require.Equal(t, StateDownloading, <-ch)
	cancel()

	select {
	case _, open := <-ch:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestWatcher_IntervalDefaults(t *testing.T) {
	w := NewWatcher(nil, 0)
	assert.Equal(t, DefaultWatchInterval, w.Interval())
	w.SetInterval(time.Second)
	assert.Equal(t, time.Second, w.Interval())
}
