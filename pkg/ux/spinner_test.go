// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewSpinner_Defaults(t *testing.T) {
	spin := NewSpinner("Probing host")
	assert.Equal(t, "Probing host", spin.message)
	assert.Equal(t, SpinnerDots, spin.spinType)
	assert.NotNil(t, spin.stop)
	assert.NotNil(t, spin.done)
	assert.Equal(t, SpinnerPulse, NewSpinner("x").WithType(SpinnerPulse).spinType)
}

func TestSpinnerPresets_HaveFrames(t *testing.T) {
	for typ, preset := range spinnerPresets {
		assert.NotEmpty(t, preset.Frames, "spinner type %d", typ)
	}
}

func TestSpinner_StartStop_Interactive(t *testing.T) {
	withLevel(t, PersonalityStandard)
	spin := NewSpinner("Loading")
	spin.Start()
	spin.Start()
	spin.UpdateMessage("Still loading")
	spin.Stop()
	spin.Stop()
	assert.False(t, spin.isRunning)
}

func TestSpinner_MachineMode(t *testing.T) {
	out, errOut := withLevel(t, PersonalityMachine)
	spin := NewSpinner("Creating session")
	spin.Start()
	spin.StopWithSuccess("session ready")

	assert.Equal(t, "PROGRESS: Creating session\n", errOut.String())
	assert.Equal(t, "OK: session ready\n", out.String())
}

func TestWithSpinner(t *testing.T) {
	out, errOut := withLevel(t, PersonalityMachine)

	assert.NoError(t, WithSpinner("probe", func() error { return nil }))
	assert.Contains(t, out.String(), "OK: probe")

	want := errors.New("host unreachable")
	assert.ErrorIs(t, WithSpinner("probe", func() error { return want }), want)
	assert.Contains(t, errOut.String(), "ERROR: probe: host unreachable")
}
