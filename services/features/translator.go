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

	"github.com/AleutianAI/AleutianOnDevice/services/capability"
)

// Translator translates between the supported language pairs.
//
// Changing the pair recreates the session; repeated calls with the same
// pair reuse it.
type Translator struct {
	mgr    *capability.SessionManager
	model  string
	logger *slog.Logger
}

// NewTranslator creates a translator over mgr using model.
func NewTranslator(mgr *capability.SessionManager, model string, logger *slog.Logger) *Translator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Translator{mgr: mgr, model: model, logger: logger}
}

// Config returns the session configuration for a pair.
func (t *Translator) Config(source, target string) capability.Config {
	return capability.Config{
		Kind:           capability.KindTranslator,
		Model:          t.model,
		SourceLanguage: source,
		TargetLanguage: target,
	}
}

// Prepare makes a session ready for the pair without translating anything.
func (t *Translator) Prepare(ctx context.Context, source, target string) error {
	_, err := t.session(ctx, source, target)
	return err
}

func (t *Translator) session(ctx context.Context, source, target string) (capability.Session, error) {
	cfg := t.Config(source, target)
	if err := CheckTranslatorConfig(cfg); err != nil {
		return nil, capability.NewError(capability.ErrorUnsupportedConfiguration, "create", capability.KindTranslator, err)
	}
	return t.mgr.EnsureReady(ctx, cfg)
}

// Translate translates text from source to target.
func (t *Translator) Translate(ctx context.Context, source, target, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", capability.NewError(capability.ErrorInvocationFailed, "translate", capability.KindTranslator,
			errors.New("text is empty"))
	}
	sess, err := t.session(ctx, source, target)
	if err != nil {
		return "", err
	}
	out, err := t.mgr.RunOn(ctx, sess, capability.TextInput(text))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Invoke adapts Translate to capability.BatchRunner for one pair.
func (t *Translator) Invoke(source, target string) capability.InvokeFunc {
	return func(ctx context.Context, input string) (capability.Outcome, error) {
		out, err := t.Translate(ctx, source, target, input)
		if err != nil {
			return capability.Outcome{}, err
		}
		return capability.Outcome{Output: out}, nil
	}
}

// PairFields returns the export metadata rows describing a pair.
func PairFields(source, target string) []capability.Field {
	return []capability.Field{
		{Name: "Language Pair", Value: TranslationLanguageName(source) + " → " + TranslationLanguageName(target)},
		{Name: "Source Language Code", Value: source},
		{Name: "Target Language Code", Value: target},
	}
}
