// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package capability

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseState_CurrentAndLegacySpellings(t *testing.T) {
	tests := []struct {
		raw  string
		want State
		ok   bool
	}{
		{"available", StateAvailable, true},
		{"readily", StateAvailable, true},
		{"downloadable", StateDownloadable, true},
		{"after-download", StateDownloadable, true},
		{"downloading", StateDownloading, true},
		{"unavailable", StateUnavailable, true},
		{"no", StateUnavailable, true},
		{"  Readily ", StateAvailable, true},
		{"maybe", StateUnavailable, false},
		{"", StateUnavailable, false},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, ok := ParseState(tt.raw)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestNormalizeAvailability_BothShapesAgree(t *testing.T) {
	pairs := []struct {
		direct string
		nested string
	}{
		{"unavailable", "no"},
		{"downloadable", "after-download"},
		{"available", "readily"},
	}
	for _, p := range pairs {
		t.Run(p.direct, func(t *testing.T) {
			direct := NormalizeAvailability(p.direct)
			nested := NormalizeAvailability(CapabilitiesResult{Available: p.nested})
			nestedMap := NormalizeAvailability(map[string]any{"available": p.nested})
			rawJSON := NormalizeAvailability(json.RawMessage(`{"available":"` + p.nested + `"}`))

			assert.Equal(t, direct, nested)
			assert.Equal(t, direct, nestedMap)
			assert.Equal(t, direct, rawJSON)
		})
	}
}

func TestNormalizeAvailability_UnknownShapes(t *testing.T) {
	assert.Equal(t, StateUnavailable, NormalizeAvailability(nil))
	assert.Equal(t, StateUnavailable, NormalizeAvailability(42))
	assert.Equal(t, StateUnavailable, NormalizeAvailability((*CapabilitiesResult)(nil)))
	assert.Equal(t, StateDownloading, NormalizeAvailability(StateDownloading))
}

func TestDecodeAvailability(t *testing.T) {
	s, err := DecodeAvailability([]byte(`"downloadable"`))
	require.NoError(t, err)
	assert.Equal(t, StateDownloadable, s)

	s, err = DecodeAvailability([]byte(` {"available":"readily"} `))
	require.NoError(t, err)
	assert.Equal(t, StateAvailable, s)

	_, err = DecodeAvailability([]byte(`"sometimes"`))
	assert.Error(t, err)

	_, err = DecodeAvailability(nil)
	assert.Error(t, err)

	_, err = DecodeAvailability([]byte(`{"available":`))
	assert.Error(t, err)
}

func TestState_TextRoundTrip(t *testing.T) {
	var s State
	require.NoError(t, s.UnmarshalText([]byte("after-download")))
	assert.Equal(t, StateDownloadable, s)

	b, err := s.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "downloadable", string(b))

	assert.Error(t, s.UnmarshalText([]byte("bogus")))
}

func TestPhaseFor(t *testing.T) {
	assert.Equal(t, PhaseDownloadPrompt, PhaseFor(StateDownloadable))
	assert.Equal(t, PhaseDownloading, PhaseFor(StateDownloading))
	assert.Equal(t, PhaseReady, PhaseFor(StateAvailable))
	assert.Equal(t, PhaseError, PhaseFor(StateUnavailable))

	assert.True(t, StateDownloadable.NeedsDownload())
	assert.False(t, StateAvailable.NeedsDownload())
}

// -----------------------------------------------------------------------------
// Prober
// -----------------------------------------------------------------------------

func TestProber_Shapes(t *testing.T) {
	ctx := context.Background()
	p := NewProber(nil)
	cfg := Config{Kind: KindPrompt}

	direct := &fakeCapability{kind: KindPrompt, state: "downloadable"}
	assert.Equal(t, StateDownloadable, p.Probe(ctx, direct, cfg))

	legacy := &legacyCapability{fakeCapability: fakeCapability{kind: KindPrompt}, available: "after-download"}
	assert.Equal(t, StateDownloadable, p.Probe(ctx, legacy, cfg))

	both := &bothShapes{fakeCapability: fakeCapability{kind: KindPrompt, state: "unavailable"}, nested: "readily"}
	assert.Equal(t, StateAvailable, p.Probe(ctx, both, cfg), "nested shape is preferred")
}

func TestProber_FailuresAreUnavailable(t *testing.T) {
	ctx := context.Background()
	p := NewProber(nil)
	cfg := Config{Kind: KindPrompt}

	assert.Equal(t, StateUnavailable, p.Probe(ctx, nil, cfg))
	assert.Equal(t, StateUnavailable, p.Probe(ctx, noProbe{}, cfg))

	failing := &fakeCapability{kind: KindPrompt, state: "available", probeErr: errors.New("host down")}
	assert.Equal(t, StateUnavailable, p.Probe(ctx, failing, cfg))

	garbage := &fakeCapability{kind: KindPrompt, state: "perhaps"}
	assert.Equal(t, StateUnavailable, p.Probe(ctx, garbage, cfg))
}

func TestConfigKey(t *testing.T) {
	a := Config{Kind: KindTranslator, Model: "m", SourceLanguage: "en", TargetLanguage: "es"}
	b := a
	assert.Equal(t, a.Key(), b.Key())

	b.TargetLanguage = "ja"
	assert.NotEqual(t, a.Key(), b.Key())

	c := Config{Kind: KindMultimodal, ExpectedInputs: []string{"image", "audio"}}
	d := Config{Kind: KindMultimodal, ExpectedInputs: []string{"audio", "image"}}
	assert.Equal(t, c.Key(), d.Key())
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind(" Translator ")
	require.NoError(t, err)
	assert.Equal(t, KindTranslator, k)

	_, err = ParseKind("summarizer")
	assert.Error(t, err)
}
