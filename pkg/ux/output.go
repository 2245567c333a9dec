// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux provides terminal output for the ondevice CLI: styled status
// lines, download progress, the interactive chat screen, the language
// picker and batch result tables. Every printer respects the current
// Personality so that --json and piped output stay plain.
package ux

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/AleutianAI/AleutianOnDevice/services/capability"
)

// Aleutian color palette - deep ocean teals and arctic waters
var (
	// Primary palette (brightest to darkest)
	ColorTealBright  = lipgloss.Color("#2CD7C7") // highlights, success
	ColorTealPrimary = lipgloss.Color("#20B9B4") // main brand color
	ColorTealVibrant = lipgloss.Color("#1D9EA3") // interactive elements
	ColorTealDeep    = lipgloss.Color("#16858E") // borders, accents

	// Dark palette
	ColorDeepSea = lipgloss.Color("#104855")
	ColorSlate   = lipgloss.Color("#2C4A54") // muted text, borders

	// Semantic colors
	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
	ColorMuted   = lipgloss.Color("#2C4A54")
)

// Styles provides pre-configured lipgloss styles
var Styles = struct {
	Title     lipgloss.Style
	Subtitle  lipgloss.Style
	Bold      lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style

	Box        lipgloss.Style
	WarningBox lipgloss.Style
	ErrorBox   lipgloss.Style

	// Chat transcript
	UserLine      lipgloss.Style
	AssistantLine lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Subtitle:  lipgloss.NewStyle().Foreground(ColorTealPrimary),
	Bold:      lipgloss.NewStyle().Bold(true),
	Muted:     lipgloss.NewStyle().Foreground(ColorSlate),
	Success:   lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:   lipgloss.NewStyle().Foreground(ColorWarning),
	Error:     lipgloss.NewStyle().Foreground(ColorError),
	Highlight: lipgloss.NewStyle().Foreground(ColorTealBright).Bold(true),

	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
	WarningBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorWarning).
		Padding(0, 1),
	ErrorBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorError).
		Padding(0, 1),

	UserLine:      lipgloss.NewStyle().Foreground(ColorTealVibrant).Bold(true),
	AssistantLine: lipgloss.NewStyle().Foreground(ColorTealPrimary),
}

// Icon provides themed status icons
type Icon string

const (
	IconSuccess  Icon = "✓"
	IconWarning  Icon = "⚠"
	IconError    Icon = "✗"
	IconPending  Icon = "○"
	IconDownload Icon = "↓"
	IconArrow    Icon = "→"
	IconBullet   Icon = "•"
)

// Render returns the icon with appropriate styling
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning, IconDownload:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	case IconPending:
		return Styles.Muted.Render(string(i))
	default:
		return string(i)
	}
}

// =============================================================================
// Output Destinations
// =============================================================================

var (
	outMu  sync.RWMutex
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

// SetOutput redirects the printers. It returns a func restoring the
// previous writers, which tests defer.
func SetOutput(out, errOut io.Writer) (restore func()) {
	outMu.Lock()
	defer outMu.Unlock()
	prevOut, prevErr := stdout, stderr
	stdout, stderr = out, errOut
	return func() {
		outMu.Lock()
		defer outMu.Unlock()
		stdout, stderr = prevOut, prevErr
	}
}

func outWriter() io.Writer {
	outMu.RLock()
	defer outMu.RUnlock()
	return stdout
}

func errWriter() io.Writer {
	outMu.RLock()
	defer outMu.RUnlock()
	return stderr
}

// =============================================================================
// Print helpers that respect personality level
// =============================================================================

// Title prints a styled title
func Title(text string) {
	if GetPersonality().Level == PersonalityMachine {
		return
	}
	fmt.Fprintln(outWriter(), Styles.Title.Render(text))
}

// Success prints a success message with checkmark
func Success(text string) {
	w := outWriter()
	switch GetPersonality().Level {
	case PersonalityMachine:
		fmt.Fprintf(w, "OK: %s\n", text)
	case PersonalityMinimal:
		fmt.Fprintf(w, "%s %s\n", IconSuccess.Render(), text)
	default:
		fmt.Fprintf(w, "%s %s\n", IconSuccess.Render(), Styles.Success.Render(text))
	}
}

// Warning prints a warning message
func Warning(text string) {
	switch GetPersonality().Level {
	case PersonalityMachine:
		fmt.Fprintf(errWriter(), "WARN: %s\n", text)
	case PersonalityMinimal:
		fmt.Fprintf(outWriter(), "%s %s\n", IconWarning.Render(), text)
	default:
		fmt.Fprintf(outWriter(), "%s %s\n", IconWarning.Render(), Styles.Warning.Render(text))
	}
}

// Error prints an error message
func Error(text string) {
	switch GetPersonality().Level {
	case PersonalityMachine:
		fmt.Fprintf(errWriter(), "ERROR: %s\n", text)
	case PersonalityMinimal:
		fmt.Fprintf(outWriter(), "%s %s\n", IconError.Render(), text)
	default:
		fmt.Fprintf(outWriter(), "%s %s\n", IconError.Render(), Styles.Error.Render(text))
	}
}

// Info prints an informational message
func Info(text string) {
	if GetPersonality().Level == PersonalityMachine {
		fmt.Fprintln(outWriter(), text)
		return
	}
	fmt.Fprintf(outWriter(), "%s %s\n", Styles.Muted.Render("│"), text)
}

// Muted prints muted/secondary text
func Muted(text string) {
	if GetPersonality().Level == PersonalityMachine {
		return
	}
	fmt.Fprintln(outWriter(), Styles.Muted.Render(text))
}

// Box prints text in a rounded box
func Box(title, content string) {
	if GetPersonality().Level == PersonalityMachine {
		fmt.Fprintf(outWriter(), "%s: %s\n", title, content)
		return
	}
	titleLine := Styles.Title.Render(title)
	fmt.Fprintln(outWriter(), Styles.Box.Width(60).Render(titleLine+"\n"+content))
}

// WarningBox prints text in a warning-styled box
func WarningBox(title, content string) {
	if GetPersonality().Level == PersonalityMachine {
		fmt.Fprintf(errWriter(), "WARN %s: %s\n", title, content)
		return
	}
	titleLine := Styles.Warning.Bold(true).Render(title)
	fmt.Fprintln(outWriter(), Styles.WarningBox.Width(60).Render(titleLine+"\n"+content))
}

// =============================================================================
// Capability Output
// =============================================================================

// StateIcon maps an availability state to its icon.
func StateIcon(s capability.State) Icon {
	switch s {
	case capability.StateAvailable:
		return IconSuccess
	case capability.StateDownloadable:
		return IconDownload
	case capability.StateDownloading:
		return IconPending
	default:
		return IconError
	}
}

// stateHint is the line shown next to a state for people, not scripts.
func stateHint(s capability.State) string {
	switch s {
	case capability.StateAvailable:
		return "ready to use"
	case capability.StateDownloadable:
		return "model must be downloaded first (run: ondevice init)"
	case capability.StateDownloading:
		return "download in progress"
	default:
		return "not supported by this host"
	}
}

// RenderState renders one capability's availability.
//
// # Examples
//
//	RenderState(capability.KindTranslator, capability.StateDownloadable)
//	// machine:  "translator\tdownloadable\tdownload-prompt"
//	// other:    "↓ translator  downloadable  model must be downloaded first ..."
func RenderState(kind capability.Kind, s capability.State) string {
	if GetPersonality().Level == PersonalityMachine {
		return fmt.Sprintf("%s\t%s\t%s", kind, s, capability.PhaseFor(s))
	}
	icon := StateIcon(s)
	line := fmt.Sprintf("%s %-11s %s", icon.Render(), kind, Styles.Bold.Render(s.String()))
	if GetPersonality().Level == PersonalityMinimal {
		return line
	}
	return line + "  " + Styles.Muted.Render(stateHint(s))
}

// StateLine prints RenderState.
func StateLine(kind capability.Kind, s capability.State) {
	fmt.Fprintln(outWriter(), RenderState(kind, s))
}

// CapabilityError prints err, and its remediation when tips are on.
func CapabilityError(err error) {
	if err == nil {
		return
	}
	var ce *capability.Error
	if !errors.As(err, &ce) {
		Error(err.Error())
		return
	}
	Error(ce.Error())
	if ce.Remediation == "" {
		return
	}
	p := GetPersonality()
	switch {
	case p.Level == PersonalityMachine:
		fmt.Fprintf(errWriter(), "HINT: %s\n", ce.Remediation)
	case p.ShowTips:
		fmt.Fprintf(outWriter(), "  %s %s\n", IconArrow.Render(), Styles.Muted.Render(ce.Remediation))
	}
}

// Measurement prints a single-call result with its latency and rate.
func Measurement(m capability.Measurement) {
	w := outWriter()
	ms := float64(m.Duration.Microseconds()) / 1000
	if GetPersonality().Level == PersonalityMachine {
		fmt.Fprintf(w, "%s\ttime_ms=%.1f\tchars_per_second=%.1f\n", m.Output, ms, m.Rate)
		return
	}
	fmt.Fprintln(w, m.Output)
	fmt.Fprintln(w, Styles.Muted.Render(fmt.Sprintf("%.1f ms · %.1f chars/s", ms, m.Rate)))
}

// LoadLatency prints how long the first session creation took.
func LoadLatency(kind capability.Kind, ms float64) {
	if GetPersonality().Level == PersonalityMachine {
		fmt.Fprintf(outWriter(), "LOADED: %s load_ms=%.0f\n", kind, ms)
		return
	}
	Success(fmt.Sprintf("%s ready (model load %.0f ms)", kind, ms))
}

// BatchSummary prints the aggregate line of a batch run.
func BatchSummary(stats capability.BatchStats) {
	w := outWriter()
	if GetPersonality().Level == PersonalityMachine {
		fmt.Fprintf(w, "SUMMARY: total=%d succeeded=%d failed=%d avg_ms=%.1f throughput=%.1f",
			stats.Total, stats.Succeeded, stats.Failed, stats.AvgDurationMs, stats.Throughput)
		if stats.AvgConfidence > 0 {
			fmt.Fprintf(w, " avg_confidence=%.3f", stats.AvgConfidence)
		}
		fmt.Fprintln(w)
		return
	}
	parts := []string{
		Styles.Success.Render(fmt.Sprintf("%d", stats.Succeeded)) + " " + Styles.Muted.Render("succeeded"),
		Styles.Error.Render(fmt.Sprintf("%d", stats.Failed)) + " " + Styles.Muted.Render("failed"),
		Styles.Bold.Render(fmt.Sprintf("%.1f ms", stats.AvgDurationMs)) + " " + Styles.Muted.Render("avg"),
		Styles.Bold.Render(fmt.Sprintf("%.1f", stats.Throughput)) + " " + Styles.Muted.Render("chars/s"),
	}
	if stats.AvgConfidence > 0 {
		parts = append(parts, Styles.Bold.Render(fmt.Sprintf("%.1f%%", stats.AvgConfidence*100))+" "+Styles.Muted.Render("avg confidence"))
	}
	fmt.Fprintf(w, "\n%s\n", strings.Join(parts, "  "))
}

// ProgressBar renders a static bar for percent in 0..100.
func ProgressBar(percent float64, width int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	if GetPersonality().Level == PersonalityMachine {
		return fmt.Sprintf("%.0f%%", percent)
	}
	filled := int(percent / 100 * float64(width))
	bar := Styles.Success.Render(strings.Repeat("█", filled)) +
		Styles.Muted.Render(strings.Repeat("░", width-filled))
	return fmt.Sprintf("%s %3.0f%%", bar, percent)
}
