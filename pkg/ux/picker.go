// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/charmbracelet/huh"

	"github.com/AleutianAI/AleutianOnDevice/services/features"
)

// ErrPickerAborted is returned when the user escapes the language picker.
var ErrPickerAborted = errors.New("language selection aborted")

// LanguageOptions builds picker options for codes, labelled with their
// display names and sorted by label.
func LanguageOptions(codes []string) []huh.Option[string] {
	opts := make([]huh.Option[string], 0, len(codes))
	for _, code := range codes {
		label := fmt.Sprintf("%s (%s)", features.TranslationLanguageName(code), code)
		opts = append(opts, huh.NewOption(label, code))
	}
	sort.Slice(opts, func(i, j int) bool { return opts[i].Key < opts[j].Key })
	return opts
}

// SourceLanguages returns every language that appears in a supported pair.
func SourceLanguages() []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range features.SupportedPairs {
		for _, code := range p {
			if !seen[code] {
				seen[code] = true
				out = append(out, code)
			}
		}
	}
	sort.Strings(out)
	return out
}

// PickLanguagePair asks for a source language, then a target among the
// pairs that source supports. Non-interactive terminals get the given
// defaults back unchanged.
//
// # Inputs
//
//   - ctx: cancels the form.
//   - source, target: preselected values and non-interactive result.
//
// # Outputs
//
//   - string, string: the chosen pair.
//   - error: ErrPickerAborted when the user escapes.
func PickLanguagePair(ctx context.Context, source, target string) (string, string, error) {
	if !IsInteractive() {
		return source, target, nil
	}

	src := source
	err := huh.NewForm(huh.NewGroup(
		huh.NewSelect[string]().
			Title("Translate from").
			Options(LanguageOptions(SourceLanguages())...).
			Value(&src),
	)).WithTheme(huh.ThemeCharm()).RunWithContext(ctx)
	if err != nil {
		return "", "", pickerError(err)
	}

	targets := features.TargetsFor(src)
	dst := target
	if !features.IsSupportedPair(src, dst) && len(targets) > 0 {
		dst = targets[0]
	}
	err = huh.NewForm(huh.NewGroup(
		huh.NewSelect[string]().
			Title("Translate to").
			Options(LanguageOptions(targets)...).
			Value(&dst),
	)).WithTheme(huh.ThemeCharm()).RunWithContext(ctx)
	if err != nil {
		return "", "", pickerError(err)
	}
	return src, dst, nil
}

func pickerError(err error) error {
	if errors.Is(err, huh.ErrUserAborted) {
		return ErrPickerAborted
	}
	return err
}
