// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package sink delivers finished batch runs to their destinations: a local
file, a Google Cloud Storage object, or InfluxDB points.

Every sink implements Sink, so the CLI and server can fan a run out to all
configured destinations with Publish.
*/
package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/AleutianAI/AleutianOnDevice/services/capability"
)

// Sink receives a finished batch run.
type Sink interface {
	// Name identifies the sink in logs.
	Name() string

	// Publish delivers run and returns where it went (path, URL, bucket).
	Publish(ctx context.Context, run *capability.BatchRun, meta capability.Metadata) (string, error)
}

// Publish sends run to every sink and returns the locations that succeeded.
// Failures are joined; one failing sink does not stop the others.
func Publish(ctx context.Context, logger *slog.Logger, run *capability.BatchRun, meta capability.Metadata, sinks ...Sink) ([]string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var (
		locations []string
		errs      []error
	)
	for _, s := range sinks {
		loc, err := s.Publish(ctx, run, meta)
		if err != nil {
			logger.Warn("sink failed", "sink", s.Name(), "run", run.ID, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		logger.Info("run published", "sink", s.Name(), "run", run.ID, "location", loc)
		locations = append(locations, loc)
	}
	return locations, errors.Join(errs...)
}

// render writes run in format to a buffer.
func render(run *capability.BatchRun, meta capability.Metadata, format capability.Format) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	if err := capability.Export(&buf, format, run, meta); err != nil {
		return nil, err
	}
	return &buf, nil
}

// =============================================================================
// File
// =============================================================================

// FileSink writes the export into a directory.
type FileSink struct {
	Dir    string
	Format capability.Format
}

// Name implements Sink.
func (f *FileSink) Name() string {
	return "file"
}

// Publish implements Sink. The file name follows capability.Filename.
func (f *FileSink) Publish(_ context.Context, run *capability.BatchRun, meta capability.Metadata) (string, error) {
	buf, err := render(run, meta, f.Format)
	if err != nil {
		return "", err
	}
	dir := f.Dir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("create export directory: %w", err)
	}
	path := filepath.Join(dir, capability.Filename(run, meta, f.Format))
	if err := os.WriteFile(path, buf.Bytes(), 0640); err != nil {
		return "", fmt.Errorf("write export: %w", err)
	}
	return path, nil
}
