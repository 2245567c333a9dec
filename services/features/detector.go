// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package features

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianOnDevice/services/capability"
)

// TopCandidates is how many candidates batch exports keep per row.
const TopCandidates = 3

// Candidate is one ranked language guess.
type Candidate struct {
	Language   string  `json:"language"`
	Name       string  `json:"languageName"`
	Confidence float64 `json:"confidence"`
}

// ErrNoCandidates is returned when the model reply names no language.
var ErrNoCandidates = errors.New("no language candidates in reply")

// ParseCandidates extracts ranked candidates from a detector reply.
//
// # Description
//
// Accepts {"candidates":[...]} or a bare array, optionally wrapped in prose
// or a Markdown code fence. Confidences are clamped to [0, 1], entries
// without a language are dropped, and the result is sorted by confidence,
// highest first. Ties keep reply order.
//
// # Examples
//
//	cands, err := ParseCandidates(`{"candidates":[{"language":"fr","confidence":0.97}]}`)
//	// cands[0].Name == "French"
func ParseCandidates(reply string) ([]Candidate, error) {
	body := extractJSON(reply)
	if body == "" {
		return nil, fmt.Errorf("%w: %q", ErrNoCandidates, truncate(reply, 80))
	}

	var raw []Candidate
	if strings.HasPrefix(body, "[") {
		if err := json.Unmarshal([]byte(body), &raw); err != nil {
			return nil, fmt.Errorf("parse candidates: %w", err)
		}
	} else {
		var wrapped struct {
			Candidates []Candidate `json:"candidates"`
		}
		if err := json.Unmarshal([]byte(body), &wrapped); err != nil {
			return nil, fmt.Errorf("parse candidates: %w", err)
		}
		raw = wrapped.Candidates
	}

	out := make([]Candidate, 0, len(raw))
	for _, c := range raw {
		c.Language = strings.TrimSpace(c.Language)
		if c.Language == "" {
			continue
		}
		c.Confidence = min(max(c.Confidence, 0), 1)
		c.Name = LanguageName(c.Language)
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil, ErrNoCandidates
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return out, nil
}

// extractJSON returns the outermost JSON object or array in s.
func extractJSON(s string) string {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return ""
	}
	closer := byte('}')
	if s[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(s, closer)
	if end <= start {
		return ""
	}
	return s[start : end+1]
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// =============================================================================
// Detector
// =============================================================================

// Detector ranks the languages of a text.
type Detector struct {
	mgr    *capability.SessionManager
	cfg    capability.Config
	logger *slog.Logger
}

// NewDetector creates a detector over mgr using model.
func NewDetector(mgr *capability.SessionManager, model string, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		mgr:    mgr,
		cfg:    capability.Config{Kind: capability.KindDetector, Model: model},
		logger: logger,
	}
}

// Config returns the session configuration the detector uses.
func (d *Detector) Config() capability.Config {
	return d.cfg
}

// Detect returns the ranked candidates for text.
func (d *Detector) Detect(ctx context.Context, text string) ([]Candidate, error) {
	if strings.TrimSpace(text) == "" {
		return nil, capability.NewError(capability.ErrorInvocationFailed, "detect", capability.KindDetector,
			errors.New("text is empty"))
	}
	sess, err := d.mgr.EnsureReady(ctx, d.cfg)
	if err != nil {
		return nil, err
	}
	reply, err := d.mgr.RunOn(ctx, sess, capability.TextInput(text))
	if err != nil {
		return nil, err
	}
	cands, err := ParseCandidates(reply)
	if err != nil {
		ce := capability.NewError(capability.ErrorInvocationFailed, "detect", capability.KindDetector, err)
		d.mgr.Reporter().Report(ce)
		return nil, ce
	}
	d.logger.Debug("detected language", "language", cands[0].Language, "confidence", cands[0].Confidence)
	return cands, nil
}

// Invoke adapts Detect to capability.BatchRunner. The output is the top
// language code; the confidence and the top candidates become columns.
func (d *Detector) Invoke() capability.InvokeFunc {
	return func(ctx context.Context, input string) (capability.Outcome, error) {
		cands, err := d.Detect(ctx, input)
		if err != nil {
			return capability.Outcome{}, err
		}
		top := cands[0]
		conf := top.Confidence
		return capability.Outcome{
			Output:     top.Language,
			Confidence: &conf,
			Detail: map[string]string{
				"Language Name":  top.Name,
				"Top Candidates": FormatCandidates(cands, TopCandidates),
			},
		}, nil
	}
}

// FormatCandidates renders up to n candidates as "fr 0.9700; it 0.0200".
func FormatCandidates(cands []Candidate, n int) string {
	parts := make([]string, 0, n)
	for i, c := range cands {
		if i == n {
			break
		}
		parts = append(parts, fmt.Sprintf("%s %.4f", c.Language, c.Confidence))
	}
	return strings.Join(parts, "; ")
}
