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
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianOnDevice/pkg/validation"
	"github.com/AleutianAI/AleutianOnDevice/services/capability"
	"github.com/AleutianAI/AleutianOnDevice/services/features"
	"github.com/AleutianAI/AleutianOnDevice/services/history"
	"github.com/AleutianAI/AleutianOnDevice/services/server"
	"github.com/AleutianAI/AleutianOnDevice/services/telemetry"
)

// DefaultConfigFile is read when --config is not given. A missing default
// file is not an error.
const DefaultConfigFile = "ondevice.yaml"

// Config is the ondevice configuration file, overlaid by ONDEVICE_*
// environment variables.
type Config struct {
	// Backend selects the host adapter.
	Backend string `yaml:"backend" envconfig:"BACKEND" validate:"required,oneof=ollama openai"`

	Host HostConfig `yaml:"host" envconfig:"HOST"`

	// Model is used for every capability without an entry in Models.
	Model  string            `yaml:"model" envconfig:"MODEL" validate:"required,model"`
	Models map[string]string `yaml:"models" envconfig:"MODELS" validate:"dive,keys,oneof=detector translator prompt multimodal,endkeys,model"`

	LogLevel string `yaml:"log_level" envconfig:"LOG_LEVEL" validate:"omitempty,oneof=debug info warn warning error"`
	LogDir   string `yaml:"log_dir" envconfig:"LOG_DIR"`
	LogJSON  bool   `yaml:"log_json" envconfig:"LOG_JSON"`

	// ProbeInterval is how often availability is re-probed during a
	// download. Hot-reloaded by serve.
	ProbeInterval time.Duration `yaml:"probe_interval" envconfig:"PROBE_INTERVAL" validate:"gte=0"`

	Download DownloadConfig       `yaml:"download" envconfig:"DOWNLOAD"`
	Chat     features.ChatOptions `yaml:"chat" envconfig:"CHAT"`
	History  HistoryConfig        `yaml:"history" envconfig:"HISTORY"`
	Sinks    SinksConfig          `yaml:"sinks" envconfig:"SINKS"`

	Server    server.Config    `yaml:"server" envconfig:"SERVER"`
	Telemetry telemetry.Config `yaml:"telemetry" ignored:"true"`
}

// HostConfig locates the model host.
type HostConfig struct {
	URL string `yaml:"url" envconfig:"URL" validate:"required,url"`

	// APIKey is only used by the openai backend. Prefer the environment
	// variable over the file.
	APIKey string `yaml:"api_key" envconfig:"API_KEY"`

	// Timeout bounds each request of the openai backend. Zero disables it.
	Timeout time.Duration `yaml:"timeout" envconfig:"TIMEOUT" validate:"gte=0"`
}

// DownloadConfig tunes the progress estimation.
type DownloadConfig struct {
	StallTimeout time.Duration `yaml:"stall_timeout" envconfig:"STALL_TIMEOUT" validate:"gte=0"`
	Expected     time.Duration `yaml:"expected" envconfig:"EXPECTED" validate:"gte=0"`
}

// HistoryConfig locates the batch history database.
type HistoryConfig struct {
	Dir      string `yaml:"dir" envconfig:"DIR"`
	Disabled bool   `yaml:"disabled" envconfig:"DISABLED"`
}

// SinksConfig configures the optional export destinations.
type SinksConfig struct {
	GCS    GCSConfig    `yaml:"gcs" envconfig:"GCS"`
	Influx InfluxConfig `yaml:"influx" envconfig:"INFLUX"`
}

// GCSConfig enables uploads to a bucket when Bucket is set.
type GCSConfig struct {
	Bucket      string `yaml:"bucket" envconfig:"BUCKET"`
	Prefix      string `yaml:"prefix" envconfig:"PREFIX"`
	Credentials string `yaml:"credentials" envconfig:"CREDENTIALS"`
	Format      string `yaml:"format" envconfig:"FORMAT" validate:"omitempty,oneof=json csv"`
}

// InfluxConfig enables batch metric points when URL is set.
type InfluxConfig struct {
	URL    string `yaml:"url" envconfig:"URL" validate:"omitempty,url"`
	Token  string `yaml:"token" envconfig:"TOKEN"`
	Org    string `yaml:"org" envconfig:"ORG" validate:"required_with=URL"`
	Bucket string `yaml:"bucket" envconfig:"BUCKET" validate:"required_with=URL"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() Config {
	return Config{
		Backend:       "ollama",
		Host:          HostConfig{URL: "http://localhost:11434"},
		Model:         "llama3.2",
		LogLevel:      "info",
		ProbeInterval: capability.DefaultWatchInterval,
		Download: DownloadConfig{
			StallTimeout: capability.DefaultStallTimeout,
			Expected:     capability.DefaultExpectedDownload,
		},
		Chat:      features.DefaultChatOptions(),
		Server:    server.DefaultConfig(),
		Telemetry: telemetry.DefaultConfig(),
	}
}

var validate = newValidator()

// newValidator returns a validator that also understands the "model" tag.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("model", func(fl validator.FieldLevel) bool {
		return validation.ValidateModelName(fl.Field().String()) == nil
	})
	return v
}

// LoadConfig reads path over the defaults, applies ONDEVICE_* variables and
// validates the result.
//
// # Inputs
//
//   - path: YAML file. Empty means DefaultConfigFile, which may be absent.
//
// # Outputs
//
//   - Config: the merged configuration.
//   - error: read, parse, environment or validation failure.
//
// # Examples
//
//	cfg, err := LoadConfig("")          // ./ondevice.yaml if present
//	cfg, err := LoadConfig("prod.yaml") // must exist
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	explicit := path != ""
	if !explicit {
		path = DefaultConfigFile
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	if err := envconfig.Process("ONDEVICE", &cfg); err != nil {
		return Config{}, fmt.Errorf("environment: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ModelMap converts the Models section to capability kinds.
func (c Config) ModelMap() (map[capability.Kind]string, error) {
	out := make(map[capability.Kind]string, len(c.Models))
	for raw, model := range c.Models {
		kind, err := capability.ParseKind(raw)
		if err != nil {
			return nil, err
		}
		out[kind] = model
	}
	return out, nil
}

// HistoryDir returns the configured history directory or the default.
func (c Config) HistoryDir() string {
	if c.History.Dir != "" {
		return c.History.Dir
	}
	return history.DefaultDir()
}

// =============================================================================
// Hot Reload
// =============================================================================

// WatchConfig calls apply with the reloaded configuration each time path
// changes. Editors often replace files, so the directory is watched and
// events are debounced. Invalid files are logged and skipped. It returns
// when ctx ends.
func WatchConfig(ctx context.Context, path string, logger *slog.Logger, apply func(Config)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	const debounce = 200 * time.Millisecond
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename)) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", "error", err)
		case <-fire:
			fire = nil
			cfg, err := LoadConfig(abs)
			if err != nil {
				logger.Warn("config reload rejected", "path", abs, "error", err)
				continue
			}
			logger.Info("config reloaded", "path", abs)
			apply(cfg)
		}
	}
}
