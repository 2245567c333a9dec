// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ollama

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianOnDevice/services/capability"
)

// Capability exposes one capability kind backed by an Ollama model.
//
// It implements capability.Capability and capability.Availabler.
type Capability struct {
	client    *Client
	kind      capability.Kind
	keepAlive string
	logger    *slog.Logger
}

// NewCapability creates a capability of kind on client.
func NewCapability(client *Client, kind capability.Kind) *Capability {
	return &Capability{
		client:    client,
		kind:      kind,
		keepAlive: DefaultKeepAlive,
		logger:    client.logger.With("kind", string(kind)),
	}
}

// Kind implements capability.Capability.
func (c *Capability) Kind() capability.Kind {
	return c.kind
}

// Availability reports the host state of cfg.Model.
//
// # Description
//
//   - server too old, or model lacks "vision" for multimodal: "unavailable"
//   - a pull of the model is running in this process: "downloading"
//   - model on disk: "available"
//   - otherwise: "downloadable"
//
// Connection failures are returned as errors; the prober maps them to
// unavailable.
func (c *Capability) Availability(ctx context.Context, cfg capability.Config) (string, error) {
	if cfg.Model == "" {
		return capability.StateUnavailable.String(), nil
	}
	if _, err := c.client.CheckVersion(ctx); err != nil {
		var he *HostError
		if errors.As(err, &he) && he.Type == HostErrorVersionTooOld {
			c.logger.Warn("ollama too old", "error", err)
			return capability.StateUnavailable.String(), nil
		}
		return "", err
	}
	if c.client.IsPulling(cfg.Model) {
		return capability.StateDownloading.String(), nil
	}

	present, err := c.client.HasModel(ctx, cfg.Model)
	if err != nil {
		return "", err
	}
	if !present {
		return capability.StateDownloadable.String(), nil
	}

	if c.kind == capability.KindMultimodal {
		info, err := c.client.Show(ctx, cfg.Model)
		if err != nil {
			return "", err
		}
		if !info.Supports("vision") {
			return capability.StateUnavailable.String(), nil
		}
	}
	return capability.StateAvailable.String(), nil
}

// Create pulls the model if needed, warms it and returns a session.
//
// Pull progress reaches monitor as byte-based events. Ollama reports one
// byte range per layer, so the monitor sees the largest layer dominate;
// layer boundaries look like regressions and are ignored by the monitor.
func (c *Capability) Create(ctx context.Context, cfg capability.Config, monitor capability.Monitor) (capability.Session, error) {
	if cfg.Model == "" {
		return nil, capability.NewError(capability.ErrorUnsupportedConfiguration, "create", c.kind,
			errors.New("no model configured"))
	}

	present, err := c.client.HasModel(ctx, cfg.Model)
	if err != nil {
		return nil, toCapabilityError(err, "create", c.kind, capability.ErrorCreationFailed)
	}
	if !present {
		c.logger.Info("pulling model", "model", cfg.Model)
		err := c.client.Pull(ctx, cfg.Model, func(p PullProgress) {
			if monitor != nil && p.Total > 0 {
				monitor.Observe(capability.ProgressEvent{
					Loaded: float64(p.Completed),
					Total:  float64(p.Total),
				})
			}
		})
		if err != nil {
			return nil, toCapabilityError(err, "download", c.kind, capability.ErrorDownloadFailed)
		}
	}

	if c.kind == capability.KindMultimodal {
		info, err := c.client.Show(ctx, cfg.Model)
		if err != nil {
			return nil, toCapabilityError(err, "create", c.kind, capability.ErrorCreationFailed)
		}
		if !info.Supports("vision") {
			return nil, capability.NewError(capability.ErrorUnsupportedConfiguration, "create", c.kind,
				fmt.Errorf("model %s does not accept images", cfg.Model))
		}
	}

	if err := c.client.Load(ctx, cfg.Model, c.keepAlive); err != nil {
		return nil, toCapabilityError(err, "create", c.kind, capability.ErrorCreationFailed)
	}

	s := &session{
		client:    c.client,
		cfg:       cfg,
		kind:      c.kind,
		keepAlive: c.keepAlive,
		logger:    c.logger,
	}
	s.reset()
	return s, nil
}

// -----------------------------------------------------------------------------
// Session
// -----------------------------------------------------------------------------

// session is a chat-backed capability session.
//
// Prompt and multimodal sessions keep the conversation. Translator and
// detector sessions are stateless: every call starts from the system prompt.
type session struct {
	client    *Client
	cfg       capability.Config
	kind      capability.Kind
	keepAlive string
	logger    *slog.Logger

	mu        sync.Mutex
	history   []Message
	destroyed bool
	destroyMu sync.Once
}

func (s *session) reset() {
	s.history = nil
	if sp := capability.SystemPrompt(s.cfg); sp != "" {
		s.history = append(s.history, Message{Role: "system", Content: sp})
	}
}

func (s *session) stateful() bool {
	return s.kind == capability.KindPrompt || s.kind == capability.KindMultimodal
}

func (s *session) request(in capability.Input) (ChatRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return ChatRequest{}, errors.New("session destroyed")
	}
	if len(in.Images) > 0 && s.kind != capability.KindMultimodal {
		return ChatRequest{}, fmt.Errorf("%s sessions do not accept images", s.kind)
	}

	user := Message{Role: "user", Content: in.Text}
	for _, img := range in.Images {
		user.Images = append(user.Images, base64.StdEncoding.EncodeToString(img))
	}

	var msgs []Message
	if s.stateful() {
		msgs = append(append([]Message(nil), s.history...), user)
	} else {
		msgs = []Message{}
		if sp := capability.SystemPrompt(s.cfg); sp != "" {
			msgs = append(msgs, Message{Role: "system", Content: sp})
		}
		msgs = append(msgs, user)
	}

	req := ChatRequest{
		Model:     s.cfg.Model,
		Messages:  msgs,
		KeepAlive: s.keepAlive,
	}
	if s.kind == capability.KindDetector {
		req.Format = "json"
	}
	if s.cfg.Temperature != 0 || s.cfg.TopK != 0 || s.cfg.MaxTokens != 0 {
		req.Options = &Options{Temperature: s.cfg.Temperature, TopK: s.cfg.TopK, NumPredict: s.cfg.MaxTokens}
	}
	return req, nil
}

func (s *session) remember(user Message, reply string) {
	if !s.stateful() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, user, Message{Role: "assistant", Content: reply})
}

// Run implements capability.Session.
func (s *session) Run(ctx context.Context, in capability.Input) (string, error) {
	req, err := s.request(in)
	if err != nil {
		return "", capability.NewError(capability.ErrorInvocationFailed, "run", s.kind, err)
	}
	start := time.Now()
	resp, err := s.client.Chat(ctx, req)
	if err != nil {
		return "", toCapabilityError(err, "run", s.kind, capability.ErrorInvocationFailed)
	}
	s.logger.Debug("run complete", "model", s.cfg.Model, "duration", time.Since(start))
	s.remember(req.Messages[len(req.Messages)-1], resp.Message.Content)
	return resp.Message.Content, nil
}

// RunStreaming implements capability.Session.
func (s *session) RunStreaming(ctx context.Context, in capability.Input) (capability.Stream, error) {
	req, err := s.request(in)
	if err != nil {
		return nil, capability.NewError(capability.ErrorStreamFailed, "stream", s.kind, err)
	}
	stream, err := s.client.ChatStream(ctx, req)
	if err != nil {
		return nil, toCapabilityError(err, "stream", s.kind, capability.ErrorStreamFailed)
	}
	user := req.Messages[len(req.Messages)-1]
	stream.onDone = func(full string) { s.remember(user, full) }
	return stream, nil
}

// Destroy unloads the model. Repeated calls are no-ops.
func (s *session) Destroy() error {
	var err error
	s.destroyMu.Do(func() {
		s.mu.Lock()
		s.destroyed = true
		s.history = nil
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err = s.client.Unload(ctx, s.cfg.Model)
		if err != nil {
			s.logger.Warn("unload failed", "model", s.cfg.Model, "error", err)
		}
	})
	return err
}
