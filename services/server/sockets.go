// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianOnDevice/services/capability"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// Frame is one server → client websocket message.
type Frame struct {
	// Type is "state", "progress", "chunk", "done" or "error".
	Type string `json:"type"`

	State    *capability.LifecycleState `json:"state,omitempty"`
	Progress *capability.Progress       `json:"progress,omitempty"`

	Chunk           string  `json:"chunk,omitempty"`
	Text            string  `json:"text,omitempty"`
	Chunks          int     `json:"chunks,omitempty"`
	CharsPerSecond  float64 `json:"charsPerSecond,omitempty"`
	ChunksPerSecond float64 `json:"chunksPerSecond,omitempty"`
	Cancelled       bool    `json:"cancelled,omitempty"`
	Mode            string  `json:"mode,omitempty"`

	Error string `json:"error,omitempty"`
	Kind  string `json:"kind,omitempty"`
}

// StreamRequest is one client → server message on the stream socket.
type StreamRequest struct {
	Input  string `json:"input"`
	Image  []byte `json:"image,omitempty"`
	Action string `json:"action,omitempty"`
}

func (s *Server) upgrader() *websocket.Upgrader {
	allowed := s.cfg.AllowedOrigins
	return &websocket.Upgrader{
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 64 * 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, o := range allowed {
				if o == origin {
					return true
				}
			}
			return false
		},
	}
}

// socket serializes writes to one connection.
type socket struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *socket) send(f Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(f)
}

func (s *socket) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func errorFrame(err error) Frame {
	f := Frame{Type: "error", Error: err.Error()}
	var ce *capability.Error
	if errors.As(err, &ce) {
		f.Kind = ce.Kind.String()
	}
	return f
}

func chunkFrame(u capability.StreamUpdate) Frame {
	return Frame{
		Type:            "chunk",
		Chunk:           u.Chunk,
		Text:            u.Text,
		Chunks:          u.Chunks,
		CharsPerSecond:  u.CharsPerSecond,
		ChunksPerSecond: u.ChunksPerSecond,
	}
}

// =============================================================================
// Progress Socket
// =============================================================================

// progressSocket pushes the lifecycle state, then every progress frame of
// the current or next creation. The socket closes after the completion
// frame or the error frame of a failed creation, or at once when the session
// is already ready.
func (s *Server) progressSocket(c *gin.Context) {
	kind := kindOf(c)
	conn, err := s.upgrader().Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "channel", "progress", "error", err)
		return
	}
	defer conn.Close()
	release := s.deps.Metrics.TrackSocket(c.Request.Context(), "progress")
	defer release()
	ws := &socket{conn: conn}

	entry := s.deps.Registry.Entry(kind)
	state := entry.Manager.State()
	if err := ws.send(Frame{Type: "state", State: &state}); err != nil {
		return
	}
	if state == capability.LifecycleReady {
		done := capability.Progress{Fraction: 1, Percent: 100, Complete: true}
		_ = ws.send(Frame{Type: "progress", Progress: &done})
		return
	}

	frames, cancel := entry.Progress.Subscribe()
	defer cancel()

	// Reads only detect the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-gone:
			return
		case <-ticker.C:
			if err := ws.ping(); err != nil {
				return
			}
		case p, ok := <-frames:
			if !ok {
				return
			}
			if p.Failed {
				_ = ws.send(Frame{Type: "error", Progress: &p, Error: p.Error, Kind: p.ErrorKind})
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "failed"),
					time.Now().Add(writeWait))
				return
			}
			if err := ws.send(Frame{Type: "progress", Progress: &p}); err != nil {
				return
			}
			if p.Complete {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "complete"),
					time.Now().Add(writeWait))
				return
			}
		}
	}
}

// =============================================================================
// Stream Socket
// =============================================================================

// streamSocket accepts {input} to start a streamed reply and {action:"stop"}
// to cancel it. A new input while a reply streams supersedes the old one.
// Only prompt and multimodal capabilities stream.
func (s *Server) streamSocket(c *gin.Context) {
	kind := kindOf(c)
	if kind != capability.KindPrompt && kind != capability.KindMultimodal {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "streaming is only available for prompt and multimodal"})
		return
	}
	conn, err := s.upgrader().Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "channel", "stream", "error", err)
		return
	}
	defer conn.Close()
	release := s.deps.Metrics.TrackSocket(c.Request.Context(), "stream")
	defer release()
	ws := &socket{conn: conn}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		var req StreamRequest
		if err := conn.ReadJSON(&req); err != nil {
			s.stopStream(kind)
			return
		}
		if req.Action == "stop" {
			s.stopStream(kind)
			continue
		}
		if req.Action != "" {
			_ = ws.send(Frame{Type: "error", Error: "unknown action " + req.Action})
			continue
		}

		wg.Add(1)
		go func(req StreamRequest) {
			defer wg.Done()
			s.streamOne(ctx, kind, ws, req)
		}(req)
	}
}

func (s *Server) stopStream(kind capability.Kind) {
	switch kind {
	case capability.KindPrompt:
		s.deps.Registry.Chat().Stop()
	case capability.KindMultimodal:
		s.deps.Registry.Describer().Stop()
	}
}

func (s *Server) streamOne(ctx context.Context, kind capability.Kind, ws *socket, req StreamRequest) {
	onChunk := func(u capability.StreamUpdate) {
		_ = ws.send(chunkFrame(u))
	}

	var (
		res  capability.StreamResult
		mode string
		err  error
	)
	switch kind {
	case capability.KindPrompt:
		res, err = s.deps.Registry.Chat().Send(ctx, req.Input, onChunk)
	case capability.KindMultimodal:
		desc, derr := s.deps.Registry.Describer().Describe(ctx, req.Image, onChunk)
		res, mode, err = desc.Stream, string(desc.Mode), derr
		if res.Text == "" {
			res.Text = desc.Text
		}
	}
	if err != nil && !res.Cancelled {
		_ = ws.send(errorFrame(err))
		return
	}
	_ = ws.send(Frame{
		Type:            "done",
		Text:            res.Text,
		Chunks:          res.Chunks,
		CharsPerSecond:  res.CharsPerSecond,
		ChunksPerSecond: res.ChunksPerSecond,
		Cancelled:       res.Cancelled,
		Mode:            mode,
	})
}
