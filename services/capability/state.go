// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package capability

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// =============================================================================
// Capability State
// =============================================================================

// State is the normalized readiness of a capability on the host.
//
// States only move forward during one session configuration:
// downloadable → downloading → available. StateUnavailable is terminal.
type State int

const (
	// StateUnavailable means the host cannot provide the capability at all.
	StateUnavailable State = iota

	// StateDownloadable means the capability is supported but its model is
	// not on the device yet. Creating a session starts the download.
	StateDownloadable

	// StateDownloading means a download is already in progress, possibly
	// started by another client of the same host.
	StateDownloading

	// StateAvailable means a session can be created without a download.
	StateAvailable
)

// String returns the canonical host spelling of the state.
func (s State) String() string {
	switch s {
	case StateUnavailable:
		return "unavailable"
	case StateDownloadable:
		return "downloadable"
	case StateDownloading:
		return "downloading"
	case StateAvailable:
		return "available"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. It accepts both the
// current and the legacy spellings.
func (s *State) UnmarshalText(text []byte) error {
	parsed, ok := ParseState(string(text))
	if !ok {
		return fmt.Errorf("unknown capability state %q", string(text))
	}
	*s = parsed
	return nil
}

// NeedsDownload reports whether creating a session will (or already does)
// involve a model download.
func (s State) NeedsDownload() bool {
	return s == StateDownloadable || s == StateDownloading
}

// ParseState maps a host state string to State.
//
// # Description
//
// Current hosts answer "unavailable", "downloadable", "downloading" and
// "available". Legacy hosts answer "no", "after-download" and "readily".
// Matching is case-insensitive and ignores surrounding whitespace.
//
// # Outputs
//
//   - State: The normalized state (StateUnavailable when unknown)
//   - bool: False if the value was not recognized
func ParseState(raw string) (State, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "available", "readily":
		return StateAvailable, true
	case "downloadable", "after-download":
		return StateDownloadable, true
	case "downloading":
		return StateDownloading, true
	case "unavailable", "no":
		return StateUnavailable, true
	default:
		return StateUnavailable, false
	}
}

// CapabilitiesResult is the legacy nested availability shape.
type CapabilitiesResult struct {
	Available string `json:"available"`
}

// NormalizeAvailability converts any supported availability payload to State.
//
// Accepted values: State, string, CapabilitiesResult (or pointer), a map with
// an "available" key, and raw JSON ([]byte or json.RawMessage) holding either
// shape. Anything else, including nil, is StateUnavailable.
func NormalizeAvailability(v any) State {
	switch val := v.(type) {
	case nil:
		return StateUnavailable
	case State:
		return val
	case string:
		s, _ := ParseState(val)
		return s
	case CapabilitiesResult:
		s, _ := ParseState(val.Available)
		return s
	case *CapabilitiesResult:
		if val == nil {
			return StateUnavailable
		}
		s, _ := ParseState(val.Available)
		return s
	case map[string]string:
		s, _ := ParseState(val["available"])
		return s
	case map[string]any:
		str, _ := val["available"].(string)
		s, _ := ParseState(str)
		return s
	case json.RawMessage:
		s, _ := DecodeAvailability(val)
		return s
	case []byte:
		s, _ := DecodeAvailability(val)
		return s
	default:
		return StateUnavailable
	}
}

// DecodeAvailability decodes a JSON availability payload of either shape.
//
// # Examples
//
//	DecodeAvailability([]byte(`"downloadable"`))               // StateDownloadable
//	DecodeAvailability([]byte(`{"available":"after-download"}`)) // StateDownloadable
func DecodeAvailability(data []byte) (State, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return StateUnavailable, fmt.Errorf("empty availability payload")
	}

	var raw string
	if trimmed[0] == '{' {
		var nested CapabilitiesResult
		if err := json.Unmarshal(trimmed, &nested); err != nil {
			return StateUnavailable, fmt.Errorf("decode availability object: %w", err)
		}
		raw = nested.Available
	} else if err := json.Unmarshal(trimmed, &raw); err != nil {
		return StateUnavailable, fmt.Errorf("decode availability string: %w", err)
	}

	state, ok := ParseState(raw)
	if !ok {
		return StateUnavailable, fmt.Errorf("unknown capability state %q", raw)
	}
	return state, nil
}

// =============================================================================
// UI Phase
// =============================================================================

// Phase is what a client should show for a probed state.
type Phase int

const (
	// PhaseError shows the capability-absent message.
	PhaseError Phase = iota

	// PhaseDownloadPrompt asks the user to start the model download.
	PhaseDownloadPrompt

	// PhaseDownloading shows the progress bar.
	PhaseDownloading

	// PhaseReady enables the capability actions.
	PhaseReady
)

// String returns the phase name used in logs and API responses.
func (p Phase) String() string {
	switch p {
	case PhaseError:
		return "error"
	case PhaseDownloadPrompt:
		return "download-prompt"
	case PhaseDownloading:
		return "downloading"
	case PhaseReady:
		return "ready"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// PhaseFor maps a probed state to the UI phase.
func PhaseFor(s State) Phase {
	switch s {
	case StateDownloadable:
		return PhaseDownloadPrompt
	case StateDownloading:
		return PhaseDownloading
	case StateAvailable:
		return PhaseReady
	default:
		return PhaseError
	}
}
