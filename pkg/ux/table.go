// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/AleutianAI/AleutianOnDevice/services/capability"
	"github.com/AleutianAI/AleutianOnDevice/services/history"
)

const cellWidth = 40

// clip shortens s to n runes on one line.
func clip(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// ResultRows flattens batch results into table rows.
func ResultRows(results []capability.BatchResult) [][]string {
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		out := r.Output
		if r.Status == capability.StatusError {
			out = r.Error
		}
		conf := ""
		if r.Confidence != nil {
			conf = fmt.Sprintf("%.1f%%", *r.Confidence*100)
		}
		rows = append(rows, []string{
			fmt.Sprintf("%d", r.Index+1),
			clip(r.Input, cellWidth),
			clip(out, cellWidth),
			fmt.Sprintf("%.1f", r.DurationMs),
			fmt.Sprintf("%.1f", r.Rate),
			conf,
			string(r.Status),
		})
	}
	return rows
}

// RenderResults renders a batch as a table, or as tab-separated lines in
// machine mode.
func RenderResults(run *capability.BatchRun) string {
	headers := []string{"#", "Input", "Output", "Time (ms)", "Chars/s", "Confidence", "Status"}
	rows := ResultRows(run.Results)

	if GetPersonality().Level == PersonalityMachine {
		var b strings.Builder
		b.WriteString(strings.Join(headers, "\t"))
		b.WriteString("\n")
		for _, row := range rows {
			b.WriteString(strings.Join(row, "\t"))
			b.WriteString("\n")
		}
		return b.String()
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(ColorTealDeep)).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return Styles.Title.Padding(0, 1)
			}
			base := lipgloss.NewStyle().Padding(0, 1)
			if col == len(headers)-1 && row >= 0 && row < len(rows) {
				if rows[row][col] == string(capability.StatusError) {
					return base.Foreground(ColorError)
				}
				return base.Foreground(ColorSuccess)
			}
			return base
		})
	return t.Render() + "\n"
}

// PrintResults prints RenderResults followed by BatchSummary.
func PrintResults(run *capability.BatchRun) {
	fmt.Fprint(outWriter(), RenderResults(run))
	BatchSummary(run.Stats)
}

// RenderRuns renders history summaries.
func RenderRuns(runs []history.Summary) string {
	headers := []string{"ID", "Kind", "Started", "Tests", "Failed", "Avg (ms)", "Environment"}
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		rows = append(rows, []string{
			r.ID,
			string(r.Kind),
			r.StartedAt.Local().Format(time.DateTime),
			fmt.Sprintf("%d", r.Stats.Total),
			fmt.Sprintf("%d", r.Stats.Failed),
			fmt.Sprintf("%.1f", r.Stats.AvgDurationMs),
			clip(r.Environment, 30),
		})
	}

	if GetPersonality().Level == PersonalityMachine {
		var b strings.Builder
		for _, row := range rows {
			b.WriteString(strings.Join(row, "\t"))
			b.WriteString("\n")
		}
		return b.String()
	}
	if len(rows) == 0 {
		return Styles.Muted.Render("no runs recorded yet") + "\n"
	}
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(ColorSlate)).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return Styles.Subtitle.Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Render() + "\n"
}
