// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianOnDevice/pkg/ux"
	"github.com/AleutianAI/AleutianOnDevice/services/capability"
	"github.com/AleutianAI/AleutianOnDevice/services/features"
	"github.com/AleutianAI/AleutianOnDevice/services/history"
	"github.com/AleutianAI/AleutianOnDevice/services/sink"
)

var (
	batchFile      string
	batchChunkSize int
	batchFormat    string
	batchOut       string
	batchBucket    string
	batchInflux    bool
	batchNoHistory bool

	batchCmd = &cobra.Command{
		Use:   "batch <detector|translator|prompt>",
		Short: "Run a benchmark batch and export the results",
		Long: `Batch runs one invocation per input, strictly in order, and reports
per-row timing and aggregate statistics. Inputs come from --file, split into
chunks of at most --chunk-size characters, or from the built-in samples.

Completed runs are saved to the run history unless --no-history is set and
exported to --out, the configured GCS bucket and InfluxDB when requested.`,
		Args: cobra.ExactArgs(1),
		RunE: runBatch,
	}
)

func init() {
	f := batchCmd.Flags()
	f.StringVarP(&batchFile, "file", "f", "", "text file to split into inputs")
	f.IntVar(&batchChunkSize, "chunk-size", 0, "maximum characters per input (default 1000)")
	f.StringVar(&batchFormat, "format", "csv", "export format: csv or json")
	f.StringVarP(&batchOut, "out", "o", "", "directory to export the run to")
	f.StringVar(&batchBucket, "gcs-bucket", "", "GCS bucket to upload the export to")
	f.BoolVar(&batchInflux, "influx", false, "write per-row points to the configured InfluxDB")
	f.BoolVar(&batchNoHistory, "no-history", false, "do not save the run to the history")
	f.StringVar(&sourceLang, "from", "en", "translator source language")
	f.StringVar(&targetLang, "to", "es", "translator target language")
}

// BatchOutput is the --json form of a batch.
type BatchOutput struct {
	Run       *capability.BatchRun `json:"run"`
	Metadata  capability.Metadata  `json:"metadata"`
	SavedID   string               `json:"savedId,omitempty"`
	Locations []string             `json:"locations,omitempty"`
}

// batchInputs reads and splits --file, or falls back to the samples of kind.
func batchInputs(kind capability.Kind, path string, chunkSize int) ([]string, error) {
	if path == "" {
		return features.DefaultInputs(kind), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read inputs: %w", err)
	}
	return features.SplitInputs(string(data), chunkSize)
}

func runBatch(cmd *cobra.Command, args []string) error {
	kind, err := kindArg(args[0])
	if err != nil {
		return err
	}
	format, err := capability.ParseFormat(batchFormat)
	if err != nil {
		return err
	}
	inputs, err := batchInputs(kind, batchFile, batchChunkSize)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	invoke, cfg, err := app.registry.Invoker(kind, sourceLang, targetLang)
	if err != nil {
		return err
	}
	if err := prepare(ctx, kind, cfg); err != nil {
		return err
	}

	spin := ux.NewSpinner(fmt.Sprintf("running %d %s inputs", len(inputs), kind))
	if !jsonOutput {
		spin.Start()
	}
	runner := capability.NewBatchRunner(cfg, invoke,
		capability.WithBatchLogger(logger.Slog()),
		capability.WithOnResult(func(r capability.BatchResult, s capability.BatchStats) {
			spin.UpdateMessage(fmt.Sprintf("%s %d/%d · %d failed", kind, r.Index, len(inputs), s.Failed))
		}),
	)
	run := runner.Run(ctx, inputs)
	spin.Stop()

	// A cancelled batch keeps its completed rows. They are still saved and
	// exported, on a fresh context.
	pubCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		pubCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
	}

	var fields []capability.Field
	if kind == capability.KindTranslator {
		fields = features.PairFields(sourceLang, targetLang)
	}
	meta := capability.NewMetadata(capability.DefaultTitle(kind), app.Environment(pubCtx), time.Now(), fields...)
	out := BatchOutput{Run: run, Metadata: meta}

	if !batchNoHistory {
		if store, err := app.OpenHistory(); err != nil {
			logger.Warn("run history unavailable", "error", err)
		} else if store != nil {
			out.SavedID, err = store.Save(pubCtx, history.Record{Run: run, Metadata: meta})
			if err != nil {
				logger.Warn("saving batch run failed", "run_id", run.ID, "error", err)
			}
			_ = store.Close()
		}
	}

	sinks, closeSinks, err := app.Sinks(pubCtx, SinkOptions{
		Dir: batchOut, Format: format, GCSBucket: batchBucket, Influx: batchInflux,
	})
	if err != nil {
		return err
	}
	defer closeSinks()
	var sinkErr error
	if len(sinks) > 0 {
		out.Locations, sinkErr = sink.Publish(pubCtx, logger.Slog(), run, meta, sinks...)
	}

	if jsonOutput {
		if err := printJSON(out); err != nil {
			return err
		}
		return sinkErr
	}
	ux.PrintResults(run)
	if out.SavedID != "" {
		ux.Muted("saved as run " + out.SavedID)
	}
	for _, loc := range out.Locations {
		ux.Success("exported " + loc)
	}
	if ctx.Err() != nil {
		ux.Warning(fmt.Sprintf("batch cancelled after %d of %d inputs", len(run.Results), len(inputs)))
	}
	return sinkErr
}
