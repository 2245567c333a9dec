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
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// =============================================================================
// Result Types
// =============================================================================

// Status tags a batch row.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Outcome is what an invocation returns to the batch runner.
type Outcome struct {
	// Output is the capability output shown to the user.
	Output string

	// Confidence is set by capabilities that score their output (detector).
	Confidence *float64

	// Detail carries extra export columns, e.g. the top candidates.
	Detail map[string]string
}

// InvokeFunc performs one invocation.
type InvokeFunc func(ctx context.Context, input string) (Outcome, error)

// BatchResult is one row of a batch run. Index is 1-based.
type BatchResult struct {
	Index      int               `json:"index"`
	Input      string            `json:"input"`
	Output     string            `json:"output"`
	DurationMs float64           `json:"durationMs"`
	Rate       float64           `json:"charactersPerSecond"`
	Status     Status            `json:"status"`
	Error      string            `json:"error,omitempty"`
	Confidence *float64          `json:"confidence,omitempty"`
	Detail     map[string]string `json:"detail,omitempty"`
}

// BatchStats are aggregate statistics recomputed after every row.
type BatchStats struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`

	// AvgDurationMs averages successful rows only.
	AvgDurationMs float64 `json:"avgDurationMs"`

	// ElapsedMs is wall time since the batch started.
	ElapsedMs float64 `json:"elapsedMs"`

	// Throughput is successful input characters per second of elapsed time.
	Throughput float64 `json:"throughput"`

	// AvgConfidence averages Confidence over successful scored rows.
	AvgConfidence float64 `json:"avgConfidence,omitempty"`
}

// BatchRun is a complete (or cancelled) batch.
type BatchRun struct {
	ID         string        `json:"id"`
	Kind       Kind          `json:"kind"`
	Config     Config        `json:"config"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt"`
	Results    []BatchResult `json:"results"`
	Stats      BatchStats    `json:"stats"`
}

// ComputeStats derives aggregate statistics from rows and elapsed wall time.
func ComputeStats(results []BatchResult, elapsed time.Duration) BatchStats {
	stats := BatchStats{
		Total:     len(results),
		ElapsedMs: float64(elapsed) / float64(time.Millisecond),
	}
	var (
		durSum  float64
		chars   int
		confSum float64
		scored  int
	)
	for _, r := range results {
		if r.Status != StatusSuccess {
			stats.Failed++
			continue
		}
		stats.Succeeded++
		durSum += r.DurationMs
		chars += utf8.RuneCountInString(r.Input)
		if r.Confidence != nil {
			confSum += *r.Confidence
			scored++
		}
	}
	if stats.Succeeded > 0 {
		stats.AvgDurationMs = durSum / float64(stats.Succeeded)
	}
	if stats.ElapsedMs > 0 {
		stats.Throughput = float64(chars) / stats.ElapsedMs * 1000
	}
	if scored > 0 {
		stats.AvgConfidence = confSum / float64(scored)
	}
	return stats
}

// =============================================================================
// Single-Call Measurement
// =============================================================================

// Measurement is the timing of one single-shot invocation.
type Measurement struct {
	Output   string        `json:"output"`
	Duration time.Duration `json:"duration"`

	// Rate is input characters per second.
	Rate float64 `json:"charactersPerSecond"`
}

// Measure times fn and derives the character rate from input.
func Measure(ctx context.Context, input string, fn func(ctx context.Context, input string) (string, error)) (Measurement, error) {
	start := time.Now()
	out, err := fn(ctx, input)
	d := time.Since(start)
	if err != nil {
		return Measurement{Duration: d}, err
	}
	return Measurement{
		Output:   out,
		Duration: d,
		Rate:     ratePerSecond(utf8.RuneCountInString(input), d),
	}, nil
}

// =============================================================================
// Batch Runner
// =============================================================================

// BatchRunner runs inputs strictly one after another.
type BatchRunner struct {
	kind     Kind
	cfg      Config
	invoke   InvokeFunc
	logger   *slog.Logger
	onResult func(BatchResult, BatchStats)
	now      func() time.Time
}

// BatchOption configures a BatchRunner.
type BatchOption func(*BatchRunner)

// WithOnResult registers a callback invoked after every appended row.
func WithOnResult(fn func(BatchResult, BatchStats)) BatchOption {
	return func(r *BatchRunner) { r.onResult = fn }
}

// WithBatchLogger sets the logger.
func WithBatchLogger(l *slog.Logger) BatchOption {
	return func(r *BatchRunner) { r.logger = l }
}

// WithBatchClock overrides time.Now.
func WithBatchClock(now func() time.Time) BatchOption {
	return func(r *BatchRunner) { r.now = now }
}

// NewBatchRunner creates a runner. cfg is recorded in the run for export.
func NewBatchRunner(cfg Config, invoke InvokeFunc, opts ...BatchOption) *BatchRunner {
	r := &BatchRunner{
		kind:   cfg.Kind,
		cfg:    cfg,
		invoke: invoke,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes every input and returns exactly len(inputs) rows in order.
//
// # Description
//
// Each input waits for the previous one to finish. A failing input yields
// an error row (duration 0, rate 0) and the batch continues. Once ctx is
// cancelled the remaining inputs are recorded as error rows without calling
// the host.
func (r *BatchRunner) Run(ctx context.Context, inputs []string) *BatchRun {
	run := &BatchRun{
		ID:        uuid.NewString(),
		Kind:      r.kind,
		Config:    r.cfg,
		StartedAt: r.now(),
		Results:   make([]BatchResult, 0, len(inputs)),
	}

	r.logger.Info("batch started", "run_id", run.ID, "kind", r.kind, "inputs", len(inputs))

	for i, input := range inputs {
		row := BatchResult{Index: i + 1, Input: input}

		if err := ctx.Err(); err != nil {
			row.Status = StatusError
			row.Error = err.Error()
		} else {
			start := r.now()
			outcome, err := r.invoke(ctx, input)
			d := r.now().Sub(start)
			if err != nil {
				row.Status = StatusError
				row.Error = err.Error()
				r.logger.Warn("batch item failed", "run_id", run.ID, "index", row.Index, "error", err)
				batchItemDuration.WithLabelValues(string(StatusError)).Observe(d.Seconds())
			} else {
				row.Status = StatusSuccess
				row.Output = outcome.Output
				row.Confidence = outcome.Confidence
				row.Detail = outcome.Detail
				row.DurationMs = float64(d) / float64(time.Millisecond)
				row.Rate = ratePerSecond(utf8.RuneCountInString(input), d)
				batchItemDuration.WithLabelValues(string(StatusSuccess)).Observe(d.Seconds())
			}
		}

		run.Results = append(run.Results, row)
		run.Stats = ComputeStats(run.Results, r.now().Sub(run.StartedAt))
		if r.onResult != nil {
			r.onResult(row, run.Stats)
		}
	}

	run.FinishedAt = r.now()
	run.Stats = ComputeStats(run.Results, run.FinishedAt.Sub(run.StartedAt))
	r.logger.Info("batch finished",
		"run_id", run.ID,
		"succeeded", run.Stats.Succeeded,
		"failed", run.Stats.Failed,
		"elapsed_ms", run.Stats.ElapsedMs)
	return run
}
