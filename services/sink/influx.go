// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sink

import (
	"context"
	"fmt"
	"strconv"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/AleutianAI/AleutianOnDevice/services/capability"
)

// Measurement names.
const (
	MeasurementResult = "ondevice_batch_result"
	MeasurementRun    = "ondevice_batch_run"
)

// InfluxSink writes one point per row plus a summary point per run.
type InfluxSink struct {
	WriteAPI api.WriteAPIBlocking
	Bucket   string

	client influxdb2.Client
}

// NewInfluxSink connects to an InfluxDB 2 server.
func NewInfluxSink(url, token, org, bucket string) *InfluxSink {
	client := influxdb2.NewClient(url, token)
	return &InfluxSink{
		WriteAPI: client.WriteAPIBlocking(org, bucket),
		Bucket:   bucket,
		client:   client,
	}
}

// Close releases the client.
func (s *InfluxSink) Close() {
	if s.client != nil {
		s.client.Close()
	}
}

// Name implements Sink.
func (s *InfluxSink) Name() string {
	return "influx"
}

// Publish implements Sink.
func (s *InfluxSink) Publish(ctx context.Context, run *capability.BatchRun, meta capability.Metadata) (string, error) {
	points := Points(run, meta)
	if err := s.WriteAPI.WritePoint(ctx, points...); err != nil {
		return "", fmt.Errorf("write %d points: %w", len(points), err)
	}
	return fmt.Sprintf("influx bucket %s (%d points)", s.Bucket, len(points)), nil
}

// Points converts run to line-protocol points.
//
// Row points are tagged with the row index so rows of one run never
// overwrite each other; each is stamped with the run start.
func Points(run *capability.BatchRun, meta capability.Metadata) []*write.Point {
	points := make([]*write.Point, 0, len(run.Results)+1)
	for _, r := range run.Results {
		fields := map[string]interface{}{
			"duration_ms":      r.DurationMs,
			"chars_per_second": r.Rate,
			"input_chars":      len([]rune(r.Input)),
			"success":          r.Status == capability.StatusSuccess,
		}
		if r.Confidence != nil {
			fields["confidence"] = *r.Confidence
		}
		points = append(points, influxdb2.NewPoint(
			MeasurementResult,
			map[string]string{
				"kind":        string(run.Kind),
				"run_id":      run.ID,
				"row":         strconv.Itoa(r.Index),
				"status":      string(r.Status),
				"environment": meta.Environment,
			},
			fields,
			run.StartedAt,
		))
	}

	summary := map[string]interface{}{
		"total":           run.Stats.Total,
		"succeeded":       run.Stats.Succeeded,
		"failed":          run.Stats.Failed,
		"avg_duration_ms": run.Stats.AvgDurationMs,
		"elapsed_ms":      run.Stats.ElapsedMs,
		"throughput":      run.Stats.Throughput,
	}
	if run.Stats.AvgConfidence > 0 {
		summary["avg_confidence"] = run.Stats.AvgConfidence
	}
	points = append(points, influxdb2.NewPoint(
		MeasurementRun,
		map[string]string{
			"kind":        string(run.Kind),
			"run_id":      run.ID,
			"model":       run.Config.Model,
			"environment": meta.Environment,
		},
		summary,
		run.FinishedAt,
	))
	return points
}
