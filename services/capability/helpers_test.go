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
	"sync"
	"sync/atomic"
)

// -----------------------------------------------------------------------------
// Fake host capability
// -----------------------------------------------------------------------------

// fakeCapability implements Capability and Availabler. Create blocks on
// release when it is non-nil.
type fakeCapability struct {
	kind        Kind
	state       string
	probeErr    error
	createErr   error
	release     chan struct{}
	events      []ProgressEvent
	createCalls atomic.Int32
	sessions    []*fakeSession
	mu          sync.Mutex
	runErr      error
	chunks      []string
	streamErrAt int
}

func (f *fakeCapability) Kind() Kind { return f.kind }

func (f *fakeCapability) Availability(ctx context.Context, cfg Config) (string, error) {
	return f.state, f.probeErr
}

func (f *fakeCapability) Create(ctx context.Context, cfg Config, monitor Monitor) (Session, error) {
	f.createCalls.Add(1)
	if monitor != nil {
		for _, ev := range f.events {
			monitor.Observe(ev)
		}
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.createErr != nil {
		return nil, f.createErr
	}
	s := &fakeSession{cfg: cfg, runErr: f.runErr, chunks: f.chunks, streamErrAt: f.streamErrAt}
	f.mu.Lock()
	f.sessions = append(f.sessions, s)
	f.mu.Unlock()
	return s, nil
}

// legacyCapability only speaks the nested shape.
type legacyCapability struct {
	fakeCapability
	available string
}

func (l *legacyCapability) Capabilities(ctx context.Context, cfg Config) (CapabilitiesResult, error) {
	return CapabilitiesResult{Available: l.available}, nil
}

// bothShapes speaks both; the nested shape must win.
type bothShapes struct {
	fakeCapability
	nested string
}

func (b *bothShapes) Capabilities(ctx context.Context, cfg Config) (CapabilitiesResult, error) {
	return CapabilitiesResult{Available: b.nested}, nil
}

// noProbe implements neither probe shape.
type noProbe struct{}

func (noProbe) Kind() Kind { return KindPrompt }

func (noProbe) Create(ctx context.Context, cfg Config, monitor Monitor) (Session, error) {
	return nil, errors.New("unreachable")
}

// -----------------------------------------------------------------------------
// Fake session and stream
// -----------------------------------------------------------------------------

type fakeSession struct {
	cfg          Config
	runErr       error
	chunks       []string
	streamErrAt  int
	destroyCalls atomic.Int32
	runCalls     atomic.Int32
}

func (s *fakeSession) Run(ctx context.Context, in Input) (string, error) {
	s.runCalls.Add(1)
	if s.runErr != nil {
		return "", s.runErr
	}
	return "echo:" + in.Text, nil
}

func (s *fakeSession) RunStreaming(ctx context.Context, in Input) (Stream, error) {
	return newSliceStream(s.chunks, s.streamErrAt), nil
}

func (s *fakeSession) Destroy() error {
	s.destroyCalls.Add(1)
	return nil
}

// sliceStream yields chunks in order. When errAt > 0 it fails before
// delivering chunk errAt (1-based).
type sliceStream struct {
	chunks []string
	errAt  int
	pos    int
	closed atomic.Bool
	// onNext runs before each chunk is returned.
	onNext func(pos int)
}

func newSliceStream(chunks []string, errAt int) *sliceStream {
	return &sliceStream{chunks: chunks, errAt: errAt}
}

func (s *sliceStream) Next(ctx context.Context) (string, error) {
	if s.closed.Load() {
		return "", errors.New("stream closed")
	}
	if s.errAt > 0 && s.pos+1 == s.errAt {
		return "", errors.New("connection reset")
	}
	if s.pos >= len(s.chunks) {
		return "", io.EOF
	}
	chunk := s.chunks[s.pos]
	s.pos++
	if s.onNext != nil {
		s.onNext(s.pos)
	}
	return chunk, nil
}

func (s *sliceStream) Close() error {
	s.closed.Store(true)
	return nil
}

// streamSession returns a prepared stream.
type streamSession struct {
	fakeSession
	stream Stream
}

func (s *streamSession) RunStreaming(ctx context.Context, in Input) (Stream, error) {
	return s.stream, nil
}
