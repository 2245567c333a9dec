// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianOnDevice/services/capability"
	"github.com/AleutianAI/AleutianOnDevice/services/history"
)

func sampleRun() *capability.BatchRun {
	conf := 0.875
	return &capability.BatchRun{
		ID:   "run-1",
		Kind: capability.KindDetector,
		Results: []capability.BatchResult{
			{Index: 0, Input: "Bonjour le monde", Output: "fr", DurationMs: 12.34, Rate: 1296.6, Status: capability.StatusSuccess, Confidence: &conf},
			{Index: 1, Input: "   spaced\n\ttext  ", Status: capability.StatusError, Error: "invocation-failed"},
		},
		Stats: capability.BatchStats{Total: 2, Succeeded: 1, Failed: 1, AvgDurationMs: 12.34},
	}
}

func TestResultRows(t *testing.T) {
	rows := ResultRows(sampleRun().Results)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"1", "Bonjour le monde", "fr", "12.3", "1296.6", "87.5%", "success"}, rows[0])
	assert.Equal(t, []string{"2", "spaced text", "invocation-failed", "0.0", "0.0", "", "error"}, rows[1])
}

func TestClip(t *testing.T) {
	assert.Equal(t, "short", clip("short", 10))
	assert.Equal(t, "abcd…", clip("abcdefgh", 5))
	assert.Equal(t, "a b", clip("a\n\nb", 10))
}

func TestRenderResults(t *testing.T) {
	withLevel(t, PersonalityMachine)
	out := RenderResults(sampleRun())
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "#\tInput\tOutput\tTime (ms)\tChars/s\tConfidence\tStatus", lines[0])

	SetPersonalityLevel(PersonalityStandard)
	styled := RenderResults(sampleRun())
	assert.Contains(t, styled, "Bonjour le monde")
	assert.Contains(t, styled, "╭")
}

func TestPrintResults(t *testing.T) {
	out, _ := withLevel(t, PersonalityMachine)
	PrintResults(sampleRun())
	assert.Contains(t, out.String(), "SUMMARY: total=2 succeeded=1 failed=1")
}

func TestRenderRuns(t *testing.T) {
	withLevel(t, PersonalityStandard)
	assert.Contains(t, RenderRuns(nil), "no runs recorded yet")

	runs := []history.Summary{{
		ID:          "0193",
		Kind:        capability.KindTranslator,
		StartedAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Environment: "ollama 0.5.7",
		Stats:       capability.BatchStats{Total: 15, Failed: 2, AvgDurationMs: 80},
	}}
	assert.Contains(t, RenderRuns(runs), "translator")

	SetPersonalityLevel(PersonalityMachine)
	fields := strings.Split(strings.TrimSpace(RenderRuns(runs)), "\t")
	require.Len(t, fields, 7)
	assert.Equal(t, "0193", fields[0])
	assert.Equal(t, "15", fields[3])
	assert.Equal(t, "2", fields[4])
}

// =============================================================================
// Language Picker Tests
// =============================================================================

func TestSourceLanguages(t *testing.T) {
	langs := SourceLanguages()
	assert.Len(t, langs, 15)
	assert.Contains(t, langs, "en")
	assert.Contains(t, langs, "zh-Hant")
}

func TestLanguageOptions(t *testing.T) {
	opts := LanguageOptions([]string{"es", "en", "ja"})
	require.Len(t, opts, 3)
	assert.Equal(t, "English (en)", opts[0].Key)
	assert.Equal(t, "en", opts[0].Value)
	assert.Equal(t, "Japanese (ja)", opts[1].Key)
	assert.Equal(t, "Spanish (es)", opts[2].Key)
}

func TestPickLanguagePair_NonInteractive(t *testing.T) {
	withLevel(t, PersonalityMachine)
	src, dst, err := PickLanguagePair(context.Background(), "en", "ja")
	require.NoError(t, err)
	assert.Equal(t, "en", src)
	assert.Equal(t, "ja", dst)
}
