// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package registry

import (
	"sync"

	"github.com/AleutianAI/AleutianOnDevice/services/capability"
)

// Hub fans download progress out to any number of subscribers.
//
// Slow subscribers drop intermediate frames; the latest frame is always
// retrievable with Last.
type Hub struct {
	mu     sync.Mutex
	subs   map[int]chan capability.Progress
	nextID int
	last   capability.Progress
	seen   bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan capability.Progress)}
}

// Subscribe returns a channel of progress frames and its cancel func. The
// last known frame, if any, is delivered first unless it reports a failed
// creation; a new subscriber waits for the next attempt instead.
func (h *Hub) Subscribe() (<-chan capability.Progress, func()) {
	ch := make(chan capability.Progress, 16)
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	if h.seen && !h.last.Failed {
		ch <- h.last
	}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			if _, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(ch)
			}
			h.mu.Unlock()
		})
	}
}

// Publish delivers p to every subscriber without blocking.
func (h *Hub) Publish(p capability.Progress) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = p
	h.seen = true
	for _, ch := range h.subs {
		select {
		case ch <- p:
		default:
			if !p.Final() {
				continue
			}
			// The completion or failure frame must not be lost: make room
			// for it.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- p:
			default:
			}
		}
	}
}

// Last returns the most recent frame and whether one was published.
func (h *Hub) Last() (capability.Progress, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last, h.seen
}

// Reset forgets the last frame. Called when a new creation starts.
func (h *Hub) Reset() {
	h.mu.Lock()
	h.last = capability.Progress{}
	h.seen = false
	h.mu.Unlock()
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
