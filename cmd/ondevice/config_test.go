// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianOnDevice/services/capability"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "ondevice.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, validate.Struct(cfg))
	assert.Equal(t, "ollama", cfg.Backend)
	assert.Equal(t, capability.DefaultWatchInterval, cfg.ProbeInterval)
}

func TestLoadConfig_MissingDefaultFileUsesDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Model, cfg.Model)
}

func TestLoadConfig_MissingExplicitFileFails(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadConfig_FileThenEnvironment(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
backend: openai
host:
  url: http://127.0.0.1:8080/v1
model: gemma3
models:
  multimodal: llava
chat:
  temperature: 0.2
  top_k: 8
  max_tokens: 256
server:
  addr: 0.0.0.0:9000
`)
	t.Setenv("ONDEVICE_MODEL", "qwen2.5")
	t.Setenv("ONDEVICE_SERVER_BURST", "7")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "openai", cfg.Backend)
	assert.Equal(t, "http://127.0.0.1:8080/v1", cfg.Host.URL)
	assert.Equal(t, "qwen2.5", cfg.Model, "environment overrides the file")
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Addr)
	assert.Equal(t, 7, cfg.Server.Burst)
	assert.InDelta(t, 0.2, cfg.Chat.Temperature, 1e-9)
	assert.Equal(t, 8, cfg.Chat.TopK)

	models, err := cfg.ModelMap()
	require.NoError(t, err)
	assert.Equal(t, "llava", models[capability.KindMultimodal])
}

func TestLoadConfig_Rejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown backend", "backend: grpc\n"},
		{"bad host url", "host:\n  url: not a url\n"},
		{"unknown model kind", "models:\n  summarizer: llama3.2\n"},
		{"bad model name", "model: llama 3\n"},
		{"bad per-kind model name", "models:\n  prompt: ../llama3\n"},
		{"influx without org", "sinks:\n  influx:\n    url: http://localhost:8086\n    bucket: b\n"},
		{"bad gcs format", "sinks:\n  gcs:\n    bucket: b\n    format: xml\n"},
		{"chat temperature", "chat:\n  temperature: 3\n"},
		{"negative interval", "probe_interval: -1s\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, t.TempDir(), tt.body)
			_, err := LoadConfig(path)
			assert.Error(t, err)
		})
	}
}

func TestConfig_HistoryDir(t *testing.T) {
	cfg := DefaultConfig()
	assert.NotEmpty(t, cfg.HistoryDir())
	cfg.History.Dir = "/tmp/runs"
	assert.Equal(t, "/tmp/runs", cfg.HistoryDir())
}

func TestWatchConfig_AppliesValidEditsOnly(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "log_level: info\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	applied := make(chan Config, 8)
	done := make(chan error, 1)
	go func() {
		done <- WatchConfig(ctx, path, slog.New(slog.NewTextHandler(io.Discard, nil)), func(c Config) {
			applied <- c
		})
	}()

	// The watcher is registered asynchronously; rewrite until an event lands.
	var got Config
	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte("log_level: debug\nprobe_interval: 1s\n"), 0o600)
		select {
		case got = <-applied:
			return true
		case <-time.After(300 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "debug", got.LogLevel)
	assert.Equal(t, time.Second, got.ProbeInterval)

	require.NoError(t, os.WriteFile(path, []byte("backend: grpc\n"), 0o600))
	select {
	case c := <-applied:
		// A late event from the valid writes is fine; the invalid file never
		// reaches apply.
		assert.NotEqual(t, "grpc", c.Backend)
	case <-time.After(500 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("WatchConfig did not return after cancel")
	}
}
