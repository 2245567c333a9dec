// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package history

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianOnDevice/services/capability"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testRun(kind capability.Kind, started time.Time) *capability.BatchRun {
	return &capability.BatchRun{
		Kind:      kind,
		StartedAt: started,
		Results: []capability.BatchResult{
			{Index: 1, Input: "Hello", Output: "Hola", Status: capability.StatusSuccess, DurationMs: 12},
		},
		Stats: capability.BatchStats{Total: 1, Succeeded: 1},
	}
}

func TestStore_SaveAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	meta := capability.NewMetadata("Translation Benchmark Export", "ollama 0.6.2 (linux/amd64)", now,
		capability.Field{Name: "Language Pair", Value: "English → Spanish"})
	id, err := s.Save(ctx, Record{Run: testRun(capability.KindTranslator, now), Metadata: meta})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, rec.Run.ID)
	assert.Equal(t, capability.KindTranslator, rec.Run.Kind)
	assert.Equal(t, "Hola", rec.Run.Results[0].Output)
	assert.Equal(t, "ollama 0.6.2 (linux/amd64)", rec.Metadata.Environment)
	require.Len(t, rec.Metadata.Fields, 1)

	// Abbreviated IDs resolve.
	rec, err = s.Get(ctx, id[:8])
	require.NoError(t, err)
	assert.Equal(t, id, rec.Run.ID)
}

func TestStore_GetMissing(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get(context.Background(), "does-not-exist")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ListNewestFirstWithFilter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var ids []string
	for i, kind := range []capability.Kind{capability.KindTranslator, capability.KindDetector, capability.KindTranslator} {
		id, err := s.Save(ctx, Record{Run: testRun(kind, base.Add(time.Duration(i)*time.Minute))})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	all, err := s.List(ctx, ListOptions{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, ids[2], all[0].ID)
	assert.Equal(t, ids[0], all[2].ID)

	translations, err := s.List(ctx, ListOptions{Kind: capability.KindTranslator})
	require.NoError(t, err)
	require.Len(t, translations, 2)

	limited, err := s.List(ctx, ListOptions{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, ids[2], limited[0].ID)
}

func TestStore_Delete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.Save(ctx, Record{Run: testRun(capability.KindDetector, time.Now())})
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, id))
	_, err = s.Get(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, id), ErrNotFound)

	all, err := s.List(ctx, ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestStore_Persists(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.GCInterval = 0

	s, err := Open(cfg)
	require.NoError(t, err)
	id, err := s.Save(context.Background(), Record{Run: testRun(capability.KindPrompt, time.Now())})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(cfg)
	require.NoError(t, err)
	defer s.Close()
	rec, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, capability.KindPrompt, rec.Run.Kind)
}

func TestStore_RejectsEmptyRecord(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Save(context.Background(), Record{})
	assert.Error(t, err)
}
