// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianOnDevice/pkg/logging"
	"github.com/AleutianAI/AleutianOnDevice/pkg/ux"
	"github.com/AleutianAI/AleutianOnDevice/pkg/validation"
	"github.com/AleutianAI/AleutianOnDevice/services/capability"
)

var (
	configPath       string
	backendFlag      string
	modelFlag        string
	logLevelFlag     string
	jsonOutput       bool
	personalityLevel string

	// Set by setup, released by teardown.
	config Config
	app    *App
	logger *logging.Logger

	rootCmd = &cobra.Command{
		Use:           "ondevice",
		Short:         "Check and use the AI capabilities of a local model host",
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `ondevice probes a local model host for language detection, translation,
chat prompting and image description, prepares sessions with download
progress, and runs single requests, benchmark batches or an HTTP API.`,
		PersistentPreRunE: setup,
	}
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "config file (default ./ondevice.yaml if present)")
	pf.StringVar(&backendFlag, "backend", "", "host backend: ollama or openai")
	pf.StringVar(&modelFlag, "model", "", "host model for every capability")
	pf.StringVar(&logLevelFlag, "log-level", "", "debug, info, warn or error")
	pf.BoolVar(&jsonOutput, "json", false, "print JSON instead of styled output")
	pf.StringVar(&personalityLevel, "personality", "", "output style: full, standard, minimal or machine")

	rootCmd.AddCommand(probeCmd, initCmd, detectCmd, translateCmd, chatCmd, describeCmd, batchCmd, runsCmd, serveCmd)
}

// setup loads the configuration, applies flag overrides and builds the app.
func setup(cmd *cobra.Command, _ []string) error {
	if personalityLevel != "" && !jsonOutput {
		ux.SetPersonalityLevel(ux.ParsePersonalityLevel(personalityLevel))
	} else {
		ux.InitPersonality(jsonOutput)
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}
	if backendFlag != "" {
		cfg.Backend = backendFlag
	}
	if modelFlag != "" {
		model, err := validation.SanitizeModelName(modelFlag)
		if err != nil {
			return err
		}
		cfg.Model = model
		cfg.Models = nil
	}
	if logLevelFlag != "" {
		cfg.LogLevel = logLevelFlag
	}
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	config = cfg

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger = logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.LogDir,
		Service: "ondevice",
		JSON:    cfg.LogJSON,
		Quiet:   cmd.Name() != "serve" && level > logging.LevelDebug && ux.IsInteractive(),
	})

	app, err = NewApp(cfg, logger)
	return err
}

// teardown destroys sessions and flushes logs. main calls it after every
// command, failed or not.
func teardown() error {
	var err error
	if app != nil {
		err = app.Close()
	}
	if logger != nil {
		_ = logger.Close()
	}
	return err
}

// printJSON writes v as indented JSON on stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// kindArg parses a capability kind argument.
func kindArg(raw string) (capability.Kind, error) {
	kind, err := capability.ParseKind(raw)
	if err != nil {
		return "", fmt.Errorf("%w (want one of %v)", err, capability.Kinds())
	}
	return kind, nil
}
