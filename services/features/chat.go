// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package features

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/AleutianAI/AleutianOnDevice/services/capability"
)

// Chat defaults.
const (
	DefaultTemperature = 0.8
	DefaultTopK        = 3
	DefaultMaxTokens   = 4096
)

// ChatOptions tune a prompt session. Changing any of them starts a new
// conversation on the next message.
type ChatOptions struct {
	SystemPrompt string  `json:"systemPrompt,omitempty" yaml:"system_prompt" validate:"max=8000"`
	Temperature  float64 `json:"temperature" yaml:"temperature" validate:"gte=0,lte=2"`
	TopK         int     `json:"topK" yaml:"top_k" validate:"gte=1,lte=128"`
	MaxTokens    int     `json:"maxTokens" yaml:"max_tokens" validate:"gte=1,lte=131072"`
}

// DefaultChatOptions returns the options used when none are configured.
func DefaultChatOptions() ChatOptions {
	return ChatOptions{Temperature: DefaultTemperature, TopK: DefaultTopK, MaxTokens: DefaultMaxTokens}
}

// Chat is a streaming conversation with a prompt session.
type Chat struct {
	mgr      *capability.SessionManager
	consumer *capability.StreamConsumer
	model    string
	logger   *slog.Logger

	mu   sync.Mutex
	opts ChatOptions
}

// NewChat creates a chat over mgr using model.
func NewChat(mgr *capability.SessionManager, model string, opts ChatOptions, logger *slog.Logger) *Chat {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chat{
		mgr:      mgr,
		consumer: capability.NewStreamConsumer(capability.KindPrompt, logger),
		model:    model,
		logger:   logger,
		opts:     opts,
	}
}

// SetOptions replaces the session options.
func (c *Chat) SetOptions(opts ChatOptions) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opts = opts
}

// Options returns the current options.
func (c *Chat) Options() ChatOptions {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts
}

// Config returns the session configuration for the current options.
func (c *Chat) Config() capability.Config {
	o := c.Options()
	return capability.Config{
		Kind:         capability.KindPrompt,
		Model:        c.model,
		SystemPrompt: o.SystemPrompt,
		Temperature:  o.Temperature,
		TopK:         o.TopK,
		MaxTokens:    o.MaxTokens,
	}
}

// Prepare makes a session ready for the current options.
func (c *Chat) Prepare(ctx context.Context) (capability.Session, error) {
	return c.mgr.EnsureReady(ctx, c.Config())
}

// Send streams the reply to text. onChunk sees every append and may be nil.
//
// A send while another reply is streaming cancels the earlier one.
func (c *Chat) Send(ctx context.Context, text string, onChunk func(capability.StreamUpdate)) (capability.StreamResult, error) {
	if strings.TrimSpace(text) == "" {
		return capability.StreamResult{}, capability.NewError(capability.ErrorInvocationFailed, "stream",
			capability.KindPrompt, errors.New("message is empty"))
	}
	sess, err := c.Prepare(ctx)
	if err != nil {
		return capability.StreamResult{}, err
	}
	res, err := c.consumer.Stream(ctx, sess, capability.TextInput(text), onChunk)
	if err != nil {
		c.mgr.Reporter().Report(err)
		return res, err
	}
	c.logger.Debug("reply streamed",
		"chunks", res.Chunks,
		"chars_per_second", res.CharsPerSecond,
		"cancelled", res.Cancelled)
	return res, nil
}

// Ask returns the whole reply to text without streaming.
func (c *Chat) Ask(ctx context.Context, text string) (string, error) {
	sess, err := c.Prepare(ctx)
	if err != nil {
		return "", err
	}
	return c.mgr.RunOn(ctx, sess, capability.TextInput(text))
}

// Invoke adapts Ask to capability.BatchRunner. Each input continues the
// same conversation.
func (c *Chat) Invoke() capability.InvokeFunc {
	return func(ctx context.Context, input string) (capability.Outcome, error) {
		out, err := c.Ask(ctx, input)
		if err != nil {
			return capability.Outcome{}, err
		}
		return capability.Outcome{Output: out}, nil
	}
}

// Stop cancels the reply being streamed, if any.
func (c *Chat) Stop() {
	c.consumer.Stop()
}

// Streaming reports whether a reply is being streamed.
func (c *Chat) Streaming() bool {
	return c.consumer.Active()
}

// Reset drops the conversation. The next message starts a new session.
func (c *Chat) Reset() error {
	c.consumer.Stop()
	return c.mgr.Destroy()
}
