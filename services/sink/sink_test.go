// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sink

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianOnDevice/services/capability"
)

// --- Mock InfluxDB WriteAPI ---

type mockWriteAPI struct {
	points []*write.Point
	err    error
}

func (m *mockWriteAPI) WritePoint(ctx context.Context, point ...*write.Point) error {
	if m.err != nil {
		return m.err
	}
	m.points = append(m.points, point...)
	return nil
}

func (m *mockWriteAPI) WriteRecord(ctx context.Context, line ...string) error { return nil }
func (m *mockWriteAPI) EnableBatching()                                      {}
func (m *mockWriteAPI) Flush(ctx context.Context) error                      { return nil }

// --- Mock uploader ---

type memUploader struct {
	objects map[string][]byte
	types   map[string]string
}

func (u *memUploader) Bucket() string { return "bench-exports" }

func (u *memUploader) Upload(_ context.Context, object, contentType string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if u.objects == nil {
		u.objects = map[string][]byte{}
		u.types = map[string]string{}
	}
	u.objects[object] = data
	u.types[object] = contentType
	return nil
}

func sampleRun() (*capability.BatchRun, capability.Metadata) {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	conf := 0.8
	run := &capability.BatchRun{
		ID:         "run-1",
		Kind:       capability.KindDetector,
		Config:     capability.Config{Kind: capability.KindDetector, Model: "gemma3"},
		StartedAt:  started,
		FinishedAt: started.Add(2 * time.Second),
		Results: []capability.BatchResult{
			{Index: 1, Input: "Bonjour", Output: "fr", Status: capability.StatusSuccess, DurationMs: 40, Rate: 175, Confidence: &conf},
			{Index: 2, Input: "Hola", Status: capability.StatusError, Error: "boom"},
		},
		Stats: capability.BatchStats{Total: 2, Succeeded: 1, Failed: 1, AvgDurationMs: 40, AvgConfidence: 0.8},
	}
	meta := capability.NewMetadata(capability.DefaultTitle(run.Kind), "ollama 0.6.2 (linux/amd64)", started)
	return run, meta
}

func tag(p *write.Point, key string) string {
	for _, t := range p.TagList() {
		if t.Key == key {
			return t.Value
		}
	}
	return ""
}

func TestPoints_RowsAndSummary(t *testing.T) {
	run, meta := sampleRun()
	points := Points(run, meta)
	require.Len(t, points, 3)

	assert.Equal(t, MeasurementResult, points[0].Name())
	assert.Equal(t, "1", tag(points[0], "row"))
	assert.Equal(t, "success", tag(points[0], "status"))
	assert.Equal(t, "2", tag(points[1], "row"))
	assert.Equal(t, "error", tag(points[1], "status"))

	assert.Equal(t, MeasurementRun, points[2].Name())
	assert.Equal(t, "gemma3", tag(points[2], "model"))
	assert.Equal(t, run.FinishedAt, points[2].Time())
}

func TestInfluxSink_Publish(t *testing.T) {
	run, meta := sampleRun()
	mock := &mockWriteAPI{}
	s := &InfluxSink{WriteAPI: mock, Bucket: "bench"}

	loc, err := s.Publish(context.Background(), run, meta)
	require.NoError(t, err)
	assert.Len(t, mock.points, 3)
	assert.Contains(t, loc, "bench")

	mock.err = errors.New("unauthorized")
	_, err = s.Publish(context.Background(), run, meta)
	assert.ErrorContains(t, err, "unauthorized")
}

func TestGCSSink_Publish(t *testing.T) {
	run, meta := sampleRun()
	up := &memUploader{}
	s := &GCSSink{Uploader: up, Prefix: "exports/2026", Format: capability.FormatCSV}

	loc, err := s.Publish(context.Background(), run, meta)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(loc, "gs://bench-exports/exports/2026/language-detection-results-"))
	require.Len(t, up.objects, 1)
	for obj, data := range up.objects {
		assert.True(t, strings.HasSuffix(obj, ".csv"))
		assert.Equal(t, "text/csv; charset=utf-8", up.types[obj])
		assert.True(t, bytes.Contains(data, []byte("Bonjour")))
	}
}

func TestFileSink_Publish(t *testing.T) {
	run, meta := sampleRun()
	dir := t.TempDir()
	s := &FileSink{Dir: dir, Format: capability.FormatJSON}

	path, err := s.Publish(context.Background(), run, meta)
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"runId": "run-1"`)
}

type failingSink struct{}

func (failingSink) Name() string { return "broken" }
func (failingSink) Publish(context.Context, *capability.BatchRun, capability.Metadata) (string, error) {
	return "", errors.New("offline")
}

func TestPublish_ContinuesPastFailures(t *testing.T) {
	run, meta := sampleRun()
	locs, err := Publish(context.Background(), nil, run, meta,
		failingSink{}, &FileSink{Dir: t.TempDir(), Format: capability.FormatCSV})
	require.Error(t, err)
	assert.ErrorContains(t, err, "broken: offline")
	assert.Len(t, locs, 1)
}
