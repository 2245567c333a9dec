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
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"
)

// StreamResult is the accumulated output of one streamed invocation.
type StreamResult struct {
	Text            string        `json:"text"`
	Chunks          int           `json:"chunks"`
	Duration        time.Duration `json:"duration"`
	CharsPerSecond  float64       `json:"charsPerSecond"`
	ChunksPerSecond float64       `json:"chunksPerSecond"`
	Cancelled       bool          `json:"cancelled"`
}

// StreamUpdate is passed to the chunk callback after every append.
type StreamUpdate struct {
	Chunk           string
	Text            string
	Chunks          int
	Elapsed         time.Duration
	CharsPerSecond  float64
	ChunksPerSecond float64
}

// StreamHandle identifies one active stream. Holders use it only to cancel.
type StreamHandle struct {
	ctx       context.Context
	cancel    context.CancelFunc
	stream    Stream
	cancelled atomic.Bool
	closeOnce sync.Once
}

// Cancel marks the stream cancelled and closes the transport. The consumer
// stops before appending the next chunk. Safe to call more than once.
func (h *StreamHandle) Cancel() {
	if h == nil {
		return
	}
	h.cancelled.Store(true)
	h.cancel()
	h.close()
}

// Cancelled reports whether Cancel was called.
func (h *StreamHandle) Cancelled() bool {
	return h != nil && h.cancelled.Load()
}

func (h *StreamHandle) close() {
	h.closeOnce.Do(func() {
		_ = h.stream.Close()
	})
}

// StreamConsumer runs at most one stream at a time.
//
// Starting a new stream cancels the previous one.
type StreamConsumer struct {
	kind   Kind
	logger *slog.Logger

	mu      sync.Mutex
	current *StreamHandle
}

// NewStreamConsumer creates a consumer. kind labels logs and metrics.
func NewStreamConsumer(kind Kind, logger *slog.Logger) *StreamConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamConsumer{kind: kind, logger: logger}
}

// Start opens a stream on sess, superseding any active one.
func (c *StreamConsumer) Start(ctx context.Context, sess Session, in Input) (*StreamHandle, error) {
	c.Stop()

	sctx, cancel := context.WithCancel(ctx)
	stream, err := sess.RunStreaming(sctx, in)
	if err != nil {
		cancel()
		invocations.WithLabelValues(string(c.kind), "stream", "error").Inc()
		return nil, asCapabilityError(err, ErrorStreamFailed, "stream", c.kind)
	}
	h := &StreamHandle{ctx: sctx, cancel: cancel, stream: stream}

	c.mu.Lock()
	c.current = h
	c.mu.Unlock()
	return h, nil
}

// Consume drains h, calling onChunk (which may be nil) after each append.
//
// # Description
//
// The cancel flag is checked before every append, so no chunk is added once
// cancellation is observed. On a transport error the partial output is kept
// in the returned result alongside an ErrStreamFailed error. A cancelled
// stream returns its partial output with Cancelled set and no error.
func (c *StreamConsumer) Consume(h *StreamHandle, onChunk func(StreamUpdate)) (StreamResult, error) {
	defer c.release(h)

	var (
		b      strings.Builder
		chunks int
		start  = time.Now()
	)
	result := func(cancelled bool) StreamResult {
		elapsed := time.Since(start)
		text := b.String()
		return StreamResult{
			Text:            text,
			Chunks:          chunks,
			Duration:        elapsed,
			CharsPerSecond:  ratePerSecond(utf8.RuneCountInString(text), elapsed),
			ChunksPerSecond: ratePerSecond(chunks, elapsed),
			Cancelled:       cancelled,
		}
	}

	for {
		if h.Cancelled() {
			invocations.WithLabelValues(string(c.kind), "stream", "cancelled").Inc()
			return result(true), nil
		}
		chunk, err := h.stream.Next(h.ctx)
		if errors.Is(err, io.EOF) {
			invocations.WithLabelValues(string(c.kind), "stream", "success").Inc()
			return result(false), nil
		}
		if err != nil {
			if h.Cancelled() {
				invocations.WithLabelValues(string(c.kind), "stream", "cancelled").Inc()
				return result(true), nil
			}
			invocations.WithLabelValues(string(c.kind), "stream", "error").Inc()
			c.logger.Warn("stream failed", "kind", c.kind, "chunks", chunks, "error", err)
			return result(false), asCapabilityError(err, ErrorStreamFailed, "stream", c.kind)
		}
		if h.Cancelled() {
			invocations.WithLabelValues(string(c.kind), "stream", "cancelled").Inc()
			return result(true), nil
		}

		b.WriteString(chunk)
		chunks++
		streamChunks.Inc()
		if onChunk != nil {
			elapsed := time.Since(start)
			text := b.String()
			onChunk(StreamUpdate{
				Chunk:           chunk,
				Text:            text,
				Chunks:          chunks,
				Elapsed:         elapsed,
				CharsPerSecond:  ratePerSecond(utf8.RuneCountInString(text), elapsed),
				ChunksPerSecond: ratePerSecond(chunks, elapsed),
			})
		}
	}
}

// Stream is Start followed by Consume.
func (c *StreamConsumer) Stream(ctx context.Context, sess Session, in Input, onChunk func(StreamUpdate)) (StreamResult, error) {
	h, err := c.Start(ctx, sess, in)
	if err != nil {
		return StreamResult{}, err
	}
	return c.Consume(h, onChunk)
}

// Stop cancels the active stream, if any.
func (c *StreamConsumer) Stop() {
	c.mu.Lock()
	h := c.current
	c.current = nil
	c.mu.Unlock()
	if h != nil {
		c.logger.Debug("cancelling active stream", "kind", c.kind)
		h.Cancel()
	}
}

// Active reports whether a stream is running.
func (c *StreamConsumer) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil
}

func (c *StreamConsumer) release(h *StreamHandle) {
	c.mu.Lock()
	if c.current == h {
		c.current = nil
	}
	c.mu.Unlock()
	h.cancel()
	h.close()
}

func ratePerSecond(n int, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(n) / d.Seconds()
}
