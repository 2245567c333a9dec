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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianOnDevice/pkg/logging"
	"github.com/AleutianAI/AleutianOnDevice/services/capability"
	"github.com/AleutianAI/AleutianOnDevice/services/history"
	"github.com/AleutianAI/AleutianOnDevice/services/sink"
)

func newTestApp(t *testing.T, mutate func(*Config)) *App {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Host.URL = "http://127.0.0.1:1"
	cfg.History.Dir = t.TempDir()
	if mutate != nil {
		mutate(&cfg)
	}
	a, err := NewApp(cfg, logging.New(logging.Config{Output: io.Discard}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestNewApp_Backends(t *testing.T) {
	a := newTestApp(t, nil)
	assert.NotNil(t, a.ollama)
	assert.Nil(t, a.openai)

	b := newTestApp(t, func(c *Config) {
		c.Backend = "openai"
		c.Host.APIKey = "sk-test"
	})
	assert.NotNil(t, b.openai)
	assert.Contains(t, b.Environment(context.Background()), "openai-compatible")
}

func TestNewApp_UnknownBackend(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Backend = "grpc"
	_, err := NewApp(cfg, logging.New(logging.Config{Output: io.Discard}))
	assert.Error(t, err)
}

func TestNewApp_PerKindModels(t *testing.T) {
	a := newTestApp(t, func(c *Config) {
		c.Models = map[string]string{"multimodal": "llava"}
	})
	assert.Equal(t, "llava", a.registry.Model(capability.KindMultimodal))
	assert.Equal(t, "llama3.2", a.registry.Model(capability.KindPrompt))
}

func TestApp_Environment_UnreachableHost(t *testing.T) {
	a := newTestApp(t, nil)
	env := a.Environment(context.Background())
	assert.Contains(t, env, "ollama")
}

func TestApp_OpenHistory(t *testing.T) {
	a := newTestApp(t, nil)
	store, err := a.OpenHistory()
	require.NoError(t, err)
	require.NotNil(t, store)
	runs, err := store.List(context.Background(), history.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, runs)
	require.NoError(t, store.Close())

	off := newTestApp(t, func(c *Config) { c.History.Disabled = true })
	store, err = off.OpenHistory()
	require.NoError(t, err)
	assert.Nil(t, store)
}

func TestApp_Sinks(t *testing.T) {
	a := newTestApp(t, nil)

	sinks, closeAll, err := a.Sinks(context.Background(), SinkOptions{})
	require.NoError(t, err)
	assert.Empty(t, sinks)
	closeAll()

	dir := t.TempDir()
	sinks, closeAll, err = a.Sinks(context.Background(), SinkOptions{Dir: dir, Format: capability.FormatCSV})
	require.NoError(t, err)
	defer closeAll()
	require.Len(t, sinks, 1)
	assert.IsType(t, &sink.FileSink{}, sinks[0])

	run := &capability.BatchRun{
		ID:   "r1",
		Kind: capability.KindDetector,
		Results: []capability.BatchResult{
			{Index: 1, Input: "hola", Output: "es", Status: capability.StatusSuccess},
		},
	}
	meta := capability.NewMetadata("Test", "test", run.StartedAt)
	locs, err := sink.Publish(context.Background(), nil, run, meta, sinks...)
	require.NoError(t, err)
	require.Len(t, locs, 1)
	_, err = os.Stat(locs[0])
	assert.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(locs[0]))
}

func TestApp_Sinks_InfluxNeedsURL(t *testing.T) {
	a := newTestApp(t, nil)
	_, _, err := a.Sinks(context.Background(), SinkOptions{Influx: true})
	assert.Error(t, err)

	b := newTestApp(t, func(c *Config) {
		c.Sinks.Influx = InfluxConfig{URL: "http://127.0.0.1:1", Org: "o", Bucket: "b"}
	})
	sinks, closeAll, err := b.Sinks(context.Background(), SinkOptions{Influx: true})
	require.NoError(t, err)
	defer closeAll()
	require.Len(t, sinks, 1)
	assert.Equal(t, "influx", sinks[0].Name())
}
