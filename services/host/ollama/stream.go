// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ollama

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ChatStream reads NDJSON lines from a streaming /api/chat response.
//
// It implements capability.Stream. Next is not safe for concurrent use;
// Close may be called from any goroutine to abort the transport.
type ChatStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	model   string
	span    trace.Span

	text   strings.Builder
	chunks atomic.Int64 // read by Close on the cancelling goroutine
	done   bool

	closeOnce sync.Once
	onDone    func(full string)
}

func newChatStream(body io.ReadCloser, model string, span trace.Span) *ChatStream {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	return &ChatStream{body: body, scanner: sc, model: model, span: span}
}

// Next returns the next non-empty content delta, or io.EOF after the line
// with done=true.
func (s *ChatStream) Next(ctx context.Context) (string, error) {
	for {
		if s.done {
			return "", io.EOF
		}
		if err := ctx.Err(); err != nil {
			s.finish(err)
			return "", err
		}
		if !s.scanner.Scan() {
			err := s.scanner.Err()
			if err == nil {
				// Server closed without a done line.
				err = io.ErrUnexpectedEOF
			}
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			s.finish(err)
			return "", err
		}
		line := s.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp ChatResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			herr := &HostError{
				Type:    HostErrorInvalidResponse,
				Model:   s.model,
				Message: "Malformed stream line",
				Detail:  err.Error(),
			}
			s.finish(herr)
			return "", herr
		}
		if resp.Error != "" {
			herr := &HostError{Type: HostErrorRequestFailed, Model: s.model, Message: "Stream failed", Detail: resp.Error}
			s.finish(herr)
			return "", herr
		}
		if resp.Done {
			s.done = true
			if resp.Message.Content != "" {
				s.record(resp.Message.Content)
				s.finish(nil)
				return resp.Message.Content, nil
			}
			s.finish(nil)
			return "", io.EOF
		}
		if resp.Message.Content == "" {
			continue
		}
		s.record(resp.Message.Content)
		return resp.Message.Content, nil
	}
}

// Close aborts the HTTP response. Safe to call more than once.
func (s *ChatStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.body.Close()
		s.span.SetAttributes(attribute.Int64("llm.chunks", s.chunks.Load()))
		s.span.End()
	})
	return err
}

func (s *ChatStream) record(chunk string) {
	s.text.WriteString(chunk)
	s.chunks.Add(1)
}

// finish runs once the stream ends; onDone only fires on clean completion.
func (s *ChatStream) finish(err error) {
	if err != nil {
		s.span.RecordError(err)
	} else if s.onDone != nil {
		s.onDone(s.text.String())
		s.onDone = nil
	}
	s.done = true
}
