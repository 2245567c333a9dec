// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianOnDevice/pkg/ux"
	"github.com/AleutianAI/AleutianOnDevice/services/capability"
	"github.com/AleutianAI/AleutianOnDevice/services/history"
)

var (
	runsKind   string
	runsLimit  int
	runsFormat string
	runsOut    string

	runsCmd = &cobra.Command{
		Use:   "runs",
		Short: "List, show, export and delete saved batch runs",
	}

	runsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List saved runs, newest first",
		Args:  cobra.NoArgs,
		RunE:  withHistory(runsList),
	}

	runsShowCmd = &cobra.Command{
		Use:   "show <id>",
		Short: "Show the rows of a saved run",
		Args:  cobra.ExactArgs(1),
		RunE:  withHistory(runsShow),
	}

	runsExportCmd = &cobra.Command{
		Use:   "export <id>",
		Short: "Export a saved run as CSV or JSON",
		Long: `Export writes a saved run to --out (a directory, or "-" for stdout).
The file name is derived from the run kind, its start time and the format.`,
		Args: cobra.ExactArgs(1),
		RunE: withHistory(runsExport),
	}

	runsDeleteCmd = &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a saved run",
		Args:  cobra.ExactArgs(1),
		RunE:  withHistory(runsDelete),
	}
)

func init() {
	runsListCmd.Flags().StringVar(&runsKind, "kind", "", "only runs of this capability kind")
	runsListCmd.Flags().IntVar(&runsLimit, "limit", 20, "maximum runs to list (0 for all)")
	runsExportCmd.Flags().StringVar(&runsFormat, "format", "csv", "csv or json")
	runsExportCmd.Flags().StringVarP(&runsOut, "out", "o", ".", `output directory, or "-" for stdout`)

	runsCmd.AddCommand(runsListCmd, runsShowCmd, runsExportCmd, runsDeleteCmd)
}

var errHistoryDisabled = errors.New("run history is disabled (history.disabled in the config)")

// withHistory opens the store for the duration of one runs subcommand.
func withHistory(fn func(cmd *cobra.Command, store *history.Store, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		store, err := app.OpenHistory()
		if err != nil {
			return err
		}
		if store == nil {
			return errHistoryDisabled
		}
		defer store.Close()
		return fn(cmd, store, args)
	}
}

func runsList(cmd *cobra.Command, store *history.Store, _ []string) error {
	opts := history.ListOptions{Limit: runsLimit}
	if runsKind != "" {
		k, err := kindArg(runsKind)
		if err != nil {
			return err
		}
		opts.Kind = k
	}
	runs, err := store.List(cmd.Context(), opts)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(runs)
	}
	fmt.Fprint(cmd.OutOrStdout(), ux.RenderRuns(runs))
	return nil
}

func runsShow(cmd *cobra.Command, store *history.Store, args []string) error {
	rec, err := store.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(rec)
	}
	ux.Title(rec.Metadata.Title)
	ux.Muted(fmt.Sprintf("%s · %s · %s", rec.Run.ID, rec.Metadata.Environment, rec.Run.StartedAt.Local().Format("2006-01-02 15:04:05")))
	for _, f := range rec.Metadata.Fields {
		ux.Info(f.Name + ": " + f.Value)
	}
	ux.PrintResults(rec.Run)
	return nil
}

func runsExport(cmd *cobra.Command, store *history.Store, args []string) error {
	format, err := capability.ParseFormat(runsFormat)
	if err != nil {
		return err
	}
	rec, err := store.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if runsOut == "-" {
		return capability.Export(cmd.OutOrStdout(), format, rec.Run, rec.Metadata)
	}

	if err := os.MkdirAll(runsOut, 0o755); err != nil {
		return err
	}
	path := filepath.Join(runsOut, capability.Filename(rec.Run, rec.Metadata, format))
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := capability.Export(f, format, rec.Run, rec.Metadata); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(map[string]string{"path": path})
	}
	ux.Success("exported " + path)
	return nil
}

func runsDelete(cmd *cobra.Command, store *history.Store, args []string) error {
	if err := store.Delete(cmd.Context(), args[0]); err != nil {
		return err
	}
	if !jsonOutput {
		ux.Success("deleted run " + args[0])
	}
	return nil
}
