// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package capability

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// =============================================================================
// Capability Kinds
// =============================================================================

// Kind identifies an AI feature exposed by the host.
type Kind string

const (
	// KindDetector ranks the languages a text is written in.
	KindDetector Kind = "detector"

	// KindTranslator translates text between one language pair.
	KindTranslator Kind = "translator"

	// KindPrompt is a chat-style language model session.
	KindPrompt Kind = "prompt"

	// KindMultimodal is a language model session that accepts images.
	KindMultimodal Kind = "multimodal"
)

// Kinds lists every supported kind in display order.
func Kinds() []Kind {
	return []Kind{KindDetector, KindTranslator, KindPrompt, KindMultimodal}
}

// ParseKind validates a kind name.
func ParseKind(raw string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range Kinds() {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown capability kind %q (want one of detector, translator, prompt, multimodal)", raw)
}

// =============================================================================
// Session Configuration
// =============================================================================

// Config is the configuration a session is created with.
//
// Two configs with the same Key share a session. Any change (language pair,
// model, sampling options, system prompt) destroys the old session and
// creates a new one.
type Config struct {
	// Kind selects the capability.
	Kind Kind `json:"kind" yaml:"kind"`

	// Model is the host model backing the capability.
	Model string `json:"model" yaml:"model"`

	// SourceLanguage and TargetLanguage are BCP 47 codes (translator only).
	SourceLanguage string `json:"sourceLanguage,omitempty" yaml:"source_language,omitempty"`
	TargetLanguage string `json:"targetLanguage,omitempty" yaml:"target_language,omitempty"`

	// SystemPrompt seeds prompt and multimodal sessions.
	SystemPrompt string `json:"systemPrompt,omitempty" yaml:"system_prompt,omitempty"`

	// Temperature, TopK and MaxTokens tune generation. Zero means host default.
	Temperature float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	TopK        int     `json:"topK,omitempty" yaml:"top_k,omitempty"`
	MaxTokens   int     `json:"maxTokens,omitempty" yaml:"max_tokens,omitempty"`

	// ExpectedInputs lists non-text input types the session must accept
	// ("image" for multimodal).
	ExpectedInputs []string `json:"expectedInputs,omitempty" yaml:"expected_inputs,omitempty"`
}

// Key returns a stable identity for the configuration.
func (c Config) Key() string {
	inputs := append([]string(nil), c.ExpectedInputs...)
	sort.Strings(inputs)
	return fmt.Sprintf("%s|%s|%s>%s|%q|t=%g|k=%d|max=%d|in=%s",
		c.Kind, c.Model, c.SourceLanguage, c.TargetLanguage, c.SystemPrompt,
		c.Temperature, c.TopK, c.MaxTokens, strings.Join(inputs, ","))
}

// Describe returns a short human-readable summary used in export metadata.
func (c Config) Describe() string {
	switch c.Kind {
	case KindTranslator:
		return fmt.Sprintf("%s → %s (%s)", c.SourceLanguage, c.TargetLanguage, c.Model)
	default:
		return fmt.Sprintf("%s (%s)", c.Kind, c.Model)
	}
}

// Input is one invocation payload.
type Input struct {
	// Text is the user text or prompt.
	Text string

	// Images holds encoded images (PNG or JPEG) for multimodal sessions.
	Images [][]byte
}

// TextInput is a convenience constructor for text-only input.
func TextInput(text string) Input {
	return Input{Text: text}
}

// =============================================================================
// Host Surface
// =============================================================================

// Capability is the host entry point for one AI feature.
//
// Implementations additionally implement Availabler, LegacyCapabler, or both.
// A Capability that implements neither is treated as unavailable.
type Capability interface {
	// Kind reports which feature this capability provides.
	Kind() Kind

	// Create builds a session. It may block for a long time while the host
	// downloads the model; progress is reported through monitor, which may
	// be nil.
	Create(ctx context.Context, cfg Config, monitor Monitor) (Session, error)
}

// Availabler reports readiness as a plain state string.
type Availabler interface {
	Availability(ctx context.Context, cfg Config) (string, error)
}

// LegacyCapabler reports readiness in the nested {available: ...} shape.
type LegacyCapabler interface {
	Capabilities(ctx context.Context, cfg Config) (CapabilitiesResult, error)
}

// Session is a configured, stateful handle returned by Capability.Create.
type Session interface {
	// Run performs a single-shot invocation.
	Run(ctx context.Context, in Input) (string, error)

	// RunStreaming starts a streamed invocation.
	RunStreaming(ctx context.Context, in Input) (Stream, error)

	// Destroy releases host resources. It must be safe to call twice.
	Destroy() error
}

// Stream is a lazy, finite, non-restartable sequence of text chunks.
type Stream interface {
	// Next returns the next chunk, or io.EOF once the stream is finished.
	Next(ctx context.Context) (string, error)

	// Close cancels the underlying transport. Best-effort.
	Close() error
}

// Monitor receives raw download progress events during Create.
type Monitor interface {
	Observe(ev ProgressEvent)
}

// MonitorFunc adapts a function to Monitor.
type MonitorFunc func(ev ProgressEvent)

// Observe calls f(ev).
func (f MonitorFunc) Observe(ev ProgressEvent) { f(ev) }
