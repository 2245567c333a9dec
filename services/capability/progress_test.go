// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package capability

import (
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestNormalizeEvent_BothUnits(t *testing.T) {
	f, ok := NormalizeEvent(ProgressEvent{Loaded: 50, Total: 100})
	require.True(t, ok)
	assert.InDelta(t, 0.5, f, 1e-9)

	f, ok = NormalizeEvent(ProgressEvent{Loaded: 0.5, Total: 1})
	require.True(t, ok)
	assert.InDelta(t, 0.5, f, 1e-9)

	f, ok = NormalizeEvent(ProgressEvent{Loaded: 300, Total: 200})
	require.True(t, ok)
	assert.Equal(t, 1.0, f)
}

func TestNormalizeEvent_Irregular(t *testing.T) {
	irregular := []ProgressEvent{
		{Loaded: 10, Total: 0},
		{Loaded: 1.5, Total: 1},
		{Loaded: -1, Total: 100},
		{Loaded: 0.2, Total: 0.5},
	}
	for _, ev := range irregular {
		_, ok := NormalizeEvent(ev)
		assert.False(t, ok, "%+v", ev)
	}
}

func TestDownloadMonitor_FiftyPercentBothShapes(t *testing.T) {
	bytes := NewDownloadMonitor()
	bytes.Observe(ProgressEvent{Loaded: 50, Total: 100})
	assert.InDelta(t, 50, bytes.Snapshot().Percent, 1e-9)

	frac := NewDownloadMonitor()
	frac.Observe(ProgressEvent{Loaded: 0.5, Total: 1})
	assert.InDelta(t, 50, frac.Snapshot().Percent, 1e-9)
}

func TestDownloadMonitor_NeverRegresses(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	m := NewDownloadMonitor()

	last := 0.0
	for i := 0; i < 500; i++ {
		var ev ProgressEvent
		switch rng.Intn(3) {
		case 0:
			ev = ProgressEvent{Loaded: rng.Float64(), Total: 1}
		case 1:
			ev = ProgressEvent{Loaded: float64(rng.Intn(1000)), Total: 1000}
		default:
			ev = ProgressEvent{Loaded: rng.Float64() * 10, Total: float64(rng.Intn(2))}
		}
		m.Observe(ev)
		got := m.Snapshot().Percent
		require.GreaterOrEqual(t, got, last, "event %d regressed: %+v", i, ev)
		last = got
	}
}

func TestDownloadMonitor_IgnoresEventsAfterComplete(t *testing.T) {
	var updates []Progress
	completions := 0
	m := NewDownloadMonitor(
		WithOnUpdate(func(p Progress) { updates = append(updates, p) }),
		WithOnComplete(func() { completions++ }),
	)
	m.Observe(ProgressEvent{Loaded: 0.3, Total: 1})

	assert.True(t, m.Complete())
	assert.False(t, m.Complete())
	m.Observe(ProgressEvent{Loaded: 0.1, Total: 1})

	snap := m.Snapshot()
	assert.True(t, snap.Complete)
	assert.Equal(t, 100.0, snap.Percent)
	assert.Equal(t, 1, completions)
	require.Len(t, updates, 2)

	select {
	case <-m.Done():
	default:
		t.Fatal("Done not closed after Complete")
	}
}

func TestDownloadMonitor_AbortFreezesWithoutCompleting(t *testing.T) {
	clock := newFakeClock()
	var updates []Progress
	completions := 0
	m := NewDownloadMonitor(
		WithClock(clock.Now),
		WithStallTimeout(time.Second),
		WithExpectedDuration(10*time.Second),
		WithOnUpdate(func(p Progress) { updates = append(updates, p) }),
		WithOnComplete(func() { completions++ }),
	)
	m.Observe(ProgressEvent{Loaded: 10, Total: 100})

	assert.True(t, m.Abort(NewError(ErrorDownloadFailed, "pull", KindPrompt, errors.New("reset"))))
	assert.False(t, m.Abort(errors.New("again")))
	assert.False(t, m.Complete(), "an aborted download never completes")

	clock.Advance(time.Minute)
	_, changed := m.Tick()
	assert.False(t, changed)
	m.Observe(ProgressEvent{Loaded: 90, Total: 100})

	snap := m.Snapshot()
	assert.True(t, snap.Failed)
	assert.False(t, snap.Complete)
	assert.InDelta(t, 10, snap.Percent, 1e-9)
	assert.Equal(t, "download-failed", snap.ErrorKind)
	assert.Contains(t, snap.Error, "reset")
	assert.Zero(t, completions)
	require.Len(t, updates, 2)
	assert.True(t, updates[1].Final())

	select {
	case <-m.Done():
	default:
		t.Fatal("Done not closed after Abort")
	}
}

func TestDownloadMonitor_AbortAfterCompleteIsNoop(t *testing.T) {
	m := NewDownloadMonitor()
	require.True(t, m.Complete())
	assert.False(t, m.Abort(errors.New("late")))
	snap := m.Snapshot()
	assert.True(t, snap.Complete)
	assert.False(t, snap.Failed)
}

func TestDownloadMonitor_FullProgressIsNotCompletion(t *testing.T) {
	m := NewDownloadMonitor()
	m.Observe(ProgressEvent{Loaded: 1, Total: 1})
	snap := m.Snapshot()
	assert.Equal(t, 100.0, snap.Percent)
	assert.False(t, snap.Complete)
}

func TestDownloadMonitor_EstimatesWhenStalled(t *testing.T) {
	clock := newFakeClock()
	m := NewDownloadMonitor(
		WithClock(clock.Now),
		WithStallTimeout(5*time.Second),
		WithExpectedDuration(100*time.Second),
	)

	clock.Advance(2 * time.Second)
	_, changed := m.Tick()
	assert.False(t, changed, "no estimate before the stall timeout")

	clock.Advance(8 * time.Second)
	p, changed := m.Tick()
	require.True(t, changed)
	assert.True(t, p.Estimated)
	assert.InDelta(t, 10, p.Percent, 1e-6)

	// A real event above the estimate replaces it.
	m.Observe(ProgressEvent{Loaded: 40, Total: 100})
	p = m.Snapshot()
	assert.False(t, p.Estimated)
	assert.InDelta(t, 40, p.Percent, 1e-9)

	// Fresh regular event resets the stall timer.
	clock.Advance(3 * time.Second)
	_, changed = m.Tick()
	assert.False(t, changed)
}

func TestDownloadMonitor_EstimateCappedBelowHundred(t *testing.T) {
	clock := newFakeClock()
	m := NewDownloadMonitor(
		WithClock(clock.Now),
		WithStallTimeout(time.Second),
		WithExpectedDuration(10*time.Second),
	)
	clock.Advance(time.Hour)
	p, changed := m.Tick()
	require.True(t, changed)
	assert.Equal(t, EstimatedCeiling, p.Percent)
	assert.Less(t, p.Percent, 100.0)
}

func TestDownloadMonitor_EstimateNeverLowersRealValue(t *testing.T) {
	clock := newFakeClock()
	m := NewDownloadMonitor(
		WithClock(clock.Now),
		WithStallTimeout(time.Second),
		WithExpectedDuration(time.Hour),
	)
	m.Observe(ProgressEvent{Loaded: 0.8, Total: 1})
	clock.Advance(10 * time.Second)
	p, changed := m.Tick()
	assert.False(t, changed)
	assert.InDelta(t, 80, p.Percent, 1e-9)
}
