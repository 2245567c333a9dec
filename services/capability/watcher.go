// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package capability

import (
	"context"
	"sync/atomic"
	"time"
)

// DefaultWatchInterval is the polling interval used while a model downloads.
const DefaultWatchInterval = 3 * time.Second

// Watcher polls a capability until it settles.
//
// It emits the first probed state and every change after that. Polling stops
// once the state is available or unavailable, or when ctx is cancelled.
type Watcher struct {
	prober   *Prober
	interval atomic.Int64
}

// NewWatcher creates a watcher. A non-positive interval uses
// DefaultWatchInterval.
func NewWatcher(p *Prober, interval time.Duration) *Watcher {
	if p == nil {
		p = NewProber(nil)
	}
	w := &Watcher{prober: p}
	w.SetInterval(interval)
	return w
}

// SetInterval changes the polling interval. It takes effect on the next poll.
func (w *Watcher) SetInterval(d time.Duration) {
	if d <= 0 {
		d = DefaultWatchInterval
	}
	w.interval.Store(int64(d))
}

// Interval returns the current polling interval.
func (w *Watcher) Interval() time.Duration {
	return time.Duration(w.interval.Load())
}

// Watch starts polling and returns a channel of state changes. The channel
// is closed when polling stops.
func (w *Watcher) Watch(ctx context.Context, c Capability, cfg Config) <-chan State {
	out := make(chan State, 1)
	go func() {
		defer close(out)
		last := State(-1)
		for {
			state := w.prober.Probe(ctx, c, cfg)
			if ctx.Err() != nil {
				return
			}
			if state != last {
				last = state
				select {
				case out <- state:
				case <-ctx.Done():
					return
				}
			}
			if state == StateAvailable || state == StateUnavailable {
				return
			}

			timer := time.NewTimer(w.Interval())
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}()
	return out
}
