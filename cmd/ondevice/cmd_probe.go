// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianOnDevice/pkg/ux"
	"github.com/AleutianAI/AleutianOnDevice/services/capability"
	"github.com/AleutianAI/AleutianOnDevice/services/features"
	"github.com/AleutianAI/AleutianOnDevice/services/registry"
)

var (
	sourceLang string
	targetLang string
	pickPair   bool

	probeCmd = &cobra.Command{
		Use:   "probe [kind...]",
		Short: "Report the availability of capabilities",
		Long: `Probe reports, for each capability kind, whether the host can serve it
now (available), after a model download (downloadable), is downloading, or
cannot serve it at all (unavailable). With no arguments every kind is probed.`,
		RunE: runProbe,
	}

	initCmd = &cobra.Command{
		Use:   "init <kind>",
		Short: "Create a capability session, downloading the model if needed",
		Args:  cobra.ExactArgs(1),
		RunE:  runInit,
	}
)

func init() {
	for _, c := range []*cobra.Command{probeCmd, initCmd} {
		c.Flags().StringVar(&sourceLang, "from", "en", "translator source language")
		c.Flags().StringVar(&targetLang, "to", "es", "translator target language")
	}
	initCmd.Flags().BoolVar(&pickPair, "pick", false, "choose the translator language pair interactively")
}

// ProbeResult is the --json form of one probe.
type ProbeResult struct {
	Kind  capability.Kind  `json:"kind"`
	Model string           `json:"model"`
	State capability.State `json:"state"`
	Phase capability.Phase `json:"phase"`
}

// configFor returns the session configuration of kind, using the language
// flags for the translator.
func configFor(reg *registry.Registry, kind capability.Kind, source, target string) capability.Config {
	if kind == capability.KindTranslator {
		return reg.Translator().Config(source, target)
	}
	return reg.Config(kind)
}

func runProbe(cmd *cobra.Command, args []string) error {
	kinds := capability.Kinds()
	if len(args) > 0 {
		kinds = kinds[:0:0]
		for _, a := range args {
			k, err := kindArg(a)
			if err != nil {
				return err
			}
			kinds = append(kinds, k)
		}
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	results := make([]ProbeResult, 0, len(kinds))
	for _, kind := range kinds {
		cfg := configFor(app.registry, kind, sourceLang, targetLang)
		state := app.registry.Probe(ctx, cfg)
		results = append(results, ProbeResult{Kind: kind, Model: cfg.Model, State: state, Phase: capability.PhaseFor(state)})
	}

	if jsonOutput {
		return printJSON(results)
	}
	ux.Title(fmt.Sprintf("Capabilities on %s", app.Environment(ctx)))
	for _, r := range results {
		ux.StateLine(r.Kind, r.State)
	}
	return nil
}

// InitResult is the --json form of init.
type InitResult struct {
	Kind          capability.Kind           `json:"kind"`
	Config        capability.Config         `json:"config"`
	State         capability.LifecycleState `json:"state"`
	LoadLatencyMs float64                   `json:"loadLatencyMs,omitempty"`
}

func runInit(cmd *cobra.Command, args []string) error {
	kind, err := kindArg(args[0])
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	src, dst := sourceLang, targetLang
	if kind == capability.KindTranslator && pickPair {
		if src, dst, err = ux.PickLanguagePair(ctx, src, dst); err != nil {
			return err
		}
	}
	cfg := configFor(app.registry, kind, src, dst)
	if err := prepare(ctx, kind, cfg); err != nil {
		return err
	}

	entry := app.registry.Entry(kind)
	res := InitResult{Kind: kind, Config: entry.Manager.Config(), State: entry.Manager.State()}
	if d, ok := entry.Manager.LoadLatency(); ok {
		res.LoadLatencyMs = float64(d.Microseconds()) / 1000
	}
	if jsonOutput {
		return printJSON(res)
	}
	ux.LoadLatency(kind, res.LoadLatencyMs)
	return nil
}

// prepare probes kind and creates its session, showing download progress
// from the registry hub while the session is created.
func prepare(ctx context.Context, kind capability.Kind, cfg capability.Config) error {
	state := app.registry.Probe(ctx, cfg)
	if state == capability.StateUnavailable {
		if kind == capability.KindTranslator {
			if err := features.CheckTranslatorConfig(cfg); err != nil {
				return capability.NewError(capability.ErrorUnsupportedConfiguration, "probe", kind, err)
			}
		}
		return capability.NewError(capability.ErrorCapabilityAbsent, "probe", kind,
			errors.New("the host reports this capability as unavailable"))
	}
	if state.NeedsDownload() && !jsonOutput {
		ux.Info(fmt.Sprintf("%s model %s is %s", kind, cfg.Model, state))
	}

	entry := app.registry.Entry(kind)
	frames, unsubscribe := entry.Progress.Subscribe()
	defer unsubscribe()

	create := func(ctx context.Context) error {
		_, err := entry.Manager.EnsureReady(ctx, cfg)
		return err
	}
	if jsonOutput || !state.NeedsDownload() {
		return create(ctx)
	}
	return ux.RunProgress(ctx, kind, frames, create)
}
