// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	oai "github.com/sashabaranov/go-openai"

	"github.com/AleutianAI/AleutianOnDevice/services/capability"
)

// Capability exposes one capability kind backed by a served model.
//
// It implements capability.Capability and capability.LegacyCapabler.
type Capability struct {
	client *Client
	kind   capability.Kind
	logger *slog.Logger
}

// NewCapability creates a capability of kind on client.
func NewCapability(client *Client, kind capability.Kind) *Capability {
	return &Capability{client: client, kind: kind, logger: client.logger.With("kind", string(kind))}
}

// Kind implements capability.Capability.
func (c *Capability) Kind() capability.Kind {
	return c.kind
}

// Capabilities answers the legacy availability shape.
//
// "readily" when cfg.Model is listed by the server, "no" otherwise. A server
// that does not answer /models is reported as an error, which the prober
// maps to unavailable.
func (c *Capability) Capabilities(ctx context.Context, cfg capability.Config) (capability.CapabilitiesResult, error) {
	if cfg.Model == "" {
		return capability.CapabilitiesResult{Available: "no"}, nil
	}
	list, err := c.client.api.ListModels(ctx)
	if err != nil {
		return capability.CapabilitiesResult{}, fmt.Errorf("list models: %w", err)
	}
	for _, m := range list.Models {
		if strings.EqualFold(m.ID, cfg.Model) {
			return capability.CapabilitiesResult{Available: "readily"}, nil
		}
	}
	c.logger.Debug("model not served", "model", cfg.Model, "served", len(list.Models))
	return capability.CapabilitiesResult{Available: "no"}, nil
}

// Create returns a session. The monitor is unused: served models never
// download.
func (c *Capability) Create(ctx context.Context, cfg capability.Config, _ capability.Monitor) (capability.Session, error) {
	if cfg.Model == "" {
		return nil, capability.NewError(capability.ErrorUnsupportedConfiguration, "create", c.kind,
			errors.New("no model configured"))
	}
	s := &session{api: c.client.api, cfg: cfg, kind: c.kind, logger: c.logger}
	if sp := capability.SystemPrompt(cfg); sp != "" {
		s.history = []oai.ChatCompletionMessage{{Role: oai.ChatMessageRoleSystem, Content: sp}}
	}
	return s, nil
}

// -----------------------------------------------------------------------------
// Session
// -----------------------------------------------------------------------------

type session struct {
	api    *oai.Client
	cfg    capability.Config
	kind   capability.Kind
	logger *slog.Logger

	mu        sync.Mutex
	history   []oai.ChatCompletionMessage
	destroyed bool
}

func (s *session) stateful() bool {
	return s.kind == capability.KindPrompt || s.kind == capability.KindMultimodal
}

func (s *session) request(in capability.Input, stream bool) (oai.ChatCompletionRequest, oai.ChatCompletionMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return oai.ChatCompletionRequest{}, oai.ChatCompletionMessage{}, errors.New("session destroyed")
	}
	user, err := userMessage(in, s.kind)
	if err != nil {
		return oai.ChatCompletionRequest{}, oai.ChatCompletionMessage{}, err
	}

	var msgs []oai.ChatCompletionMessage
	if s.stateful() {
		msgs = append(append(msgs, s.history...), user)
	} else {
		if sp := capability.SystemPrompt(s.cfg); sp != "" {
			msgs = append(msgs, oai.ChatCompletionMessage{Role: oai.ChatMessageRoleSystem, Content: sp})
		}
		msgs = append(msgs, user)
	}

	req := oai.ChatCompletionRequest{
		Model:       s.cfg.Model,
		Messages:    msgs,
		Stream:      stream,
		Temperature: float32(s.cfg.Temperature),
		MaxTokens:   s.cfg.MaxTokens,
	}
	if s.kind == capability.KindDetector {
		req.ResponseFormat = &oai.ChatCompletionResponseFormat{Type: oai.ChatCompletionResponseFormatTypeJSONObject}
	}
	return req, user, nil
}

// userMessage builds the user turn. Images become data-URL parts.
func userMessage(in capability.Input, kind capability.Kind) (oai.ChatCompletionMessage, error) {
	if len(in.Images) == 0 {
		return oai.ChatCompletionMessage{Role: oai.ChatMessageRoleUser, Content: in.Text}, nil
	}
	if kind != capability.KindMultimodal {
		return oai.ChatCompletionMessage{}, fmt.Errorf("%s sessions do not accept images", kind)
	}
	parts := []oai.ChatMessagePart{{Type: oai.ChatMessagePartTypeText, Text: in.Text}}
	for _, img := range in.Images {
		mime := mimetype.Detect(img).String()
		parts = append(parts, oai.ChatMessagePart{
			Type: oai.ChatMessagePartTypeImageURL,
			ImageURL: &oai.ChatMessageImageURL{
				URL:    "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(img),
				Detail: oai.ImageURLDetailAuto,
			},
		})
	}
	return oai.ChatCompletionMessage{Role: oai.ChatMessageRoleUser, MultiContent: parts}, nil
}

func (s *session) remember(user oai.ChatCompletionMessage, reply string) {
	if !s.stateful() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}
	s.history = append(s.history, user, oai.ChatCompletionMessage{Role: oai.ChatMessageRoleAssistant, Content: reply})
}

// Run implements capability.Session.
func (s *session) Run(ctx context.Context, in capability.Input) (string, error) {
	req, user, err := s.request(in, false)
	if err != nil {
		return "", capability.NewError(capability.ErrorInvocationFailed, "run", s.kind, err)
	}
	resp, err := s.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", apiError(err, "run", s.kind, capability.ErrorInvocationFailed)
	}
	if len(resp.Choices) == 0 {
		return "", capability.NewError(capability.ErrorInvocationFailed, "run", s.kind, errors.New("server returned no choices"))
	}
	out := resp.Choices[0].Message.Content
	s.logger.Debug("run complete", "model", s.cfg.Model, "finish_reason", resp.Choices[0].FinishReason)
	s.remember(user, out)
	return out, nil
}

// RunStreaming implements capability.Session.
func (s *session) RunStreaming(ctx context.Context, in capability.Input) (capability.Stream, error) {
	req, user, err := s.request(in, true)
	if err != nil {
		return nil, capability.NewError(capability.ErrorStreamFailed, "stream", s.kind, err)
	}
	st, err := s.api.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, apiError(err, "stream", s.kind, capability.ErrorStreamFailed)
	}
	return &chatStream{
		stream: st,
		onDone: func(full string) { s.remember(user, full) },
	}, nil
}

// Destroy drops the conversation. Repeated calls are no-ops.
func (s *session) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyed = true
	s.history = nil
	return nil
}

// -----------------------------------------------------------------------------
// Stream
// -----------------------------------------------------------------------------

// chatStream adapts go-openai's SSE reader to capability.Stream.
type chatStream struct {
	stream    *oai.ChatCompletionStream
	text      strings.Builder
	done      bool
	onDone    func(full string)
	closeOnce sync.Once
}

func (c *chatStream) Next(ctx context.Context) (string, error) {
	for {
		if c.done {
			return "", io.EOF
		}
		if err := ctx.Err(); err != nil {
			c.done = true
			return "", err
		}
		resp, err := c.stream.Recv()
		if errors.Is(err, io.EOF) {
			c.done = true
			if c.onDone != nil {
				c.onDone(c.text.String())
			}
			return "", io.EOF
		}
		if err != nil {
			c.done = true
			return "", err
		}
		if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
			continue
		}
		chunk := resp.Choices[0].Delta.Content
		c.text.WriteString(chunk)
		return chunk, nil
	}
}

func (c *chatStream) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.stream.Close() })
	return err
}

// apiError maps go-openai failures onto the capability taxonomy.
func apiError(err error, op string, kind capability.Kind, fallback capability.ErrorKind) *capability.Error {
	ce := capability.NewError(fallback, op, kind, err)
	var apiErr *oai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			ce.Remediation = "Check OPENAI_API_KEY for this server"
		case http.StatusNotFound:
			ce = capability.NewError(capability.ErrorCapabilityAbsent, op, kind, err)
			ce.Remediation = "The server does not serve this model; check the model name"
		}
	}
	return ce
}
