// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package capability

import (
	"context"
	"log/slog"
)

// Prober queries a capability for its readiness state.
//
// It isolates the two historical host shapes: LegacyCapabler (nested
// {available: ...}) is preferred when a host implements both.
type Prober struct {
	logger *slog.Logger
}

// NewProber creates a prober. A nil logger uses slog.Default().
func NewProber(logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{logger: logger}
}

// Probe returns the normalized state of c for cfg.
//
// # Description
//
// Probe has no side effects on the host. A nil capability, a capability that
// implements neither probe shape, a probe error and an unrecognized state
// string all yield StateUnavailable.
//
// # Inputs
//
//   - ctx: Context for the host call
//   - c: Capability to probe (may be nil)
//   - cfg: Configuration the caller intends to create a session with
//
// # Outputs
//
//   - State: Normalized readiness
func (p *Prober) Probe(ctx context.Context, c Capability, cfg Config) State {
	if c == nil {
		probeTotal.WithLabelValues(string(cfg.Kind), StateUnavailable.String()).Inc()
		return StateUnavailable
	}

	var (
		raw   any
		err   error
		shape string
	)
	switch host := c.(type) {
	case LegacyCapabler:
		shape = "capabilities"
		raw, err = host.Capabilities(ctx, cfg)
	case Availabler:
		shape = "availability"
		raw, err = host.Availability(ctx, cfg)
	default:
		p.logger.Warn("capability exposes no probe method", "kind", c.Kind())
		probeTotal.WithLabelValues(string(c.Kind()), StateUnavailable.String()).Inc()
		return StateUnavailable
	}

	if err != nil {
		p.logger.Warn("availability probe failed",
			"kind", c.Kind(), "shape", shape, "error", err)
		probeTotal.WithLabelValues(string(c.Kind()), StateUnavailable.String()).Inc()
		return StateUnavailable
	}

	state := NormalizeAvailability(raw)
	p.logger.Debug("availability probed",
		"kind", c.Kind(), "shape", shape, "state", state.String())
	probeTotal.WithLabelValues(string(c.Kind()), state.String()).Inc()
	return state
}
