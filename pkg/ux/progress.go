// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/AleutianAI/AleutianOnDevice/services/capability"
)

// =============================================================================
// Download Progress
// =============================================================================

// ErrInterrupted is returned by RunProgress when the user quits the
// progress screen before the session is ready.
var ErrInterrupted = errors.New("interrupted")

type progressFrameMsg capability.Progress

type framesClosedMsg struct{}

type createdMsg struct{ err error }

// ProgressModel is the bubbletea model shown while a capability session is
// created. It consumes progress frames until the creation result arrives.
//
// # Thread Safety
//
// Owned by the bubbletea program goroutine.
type ProgressModel struct {
	kind   capability.Kind
	frames <-chan capability.Progress
	result <-chan error
	cancel context.CancelFunc

	bar  progress.Model
	spin spinner.Model

	last        capability.Progress
	sawFrame    bool
	done        bool
	interrupted bool
	err         error
}

// NewProgressModel builds the model. cancel aborts the creation when the
// user presses ctrl+c or q.
func NewProgressModel(kind capability.Kind, frames <-chan capability.Progress, result <-chan error, cancel context.CancelFunc) ProgressModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = Styles.Highlight
	return ProgressModel{
		kind:   kind,
		frames: frames,
		result: result,
		cancel: cancel,
		bar:    progress.New(progress.WithGradient(string(ColorTealDeep), string(ColorTealBright)), progress.WithWidth(40)),
		spin:   sp,
	}
}

func waitForFrame(frames <-chan capability.Progress) tea.Cmd {
	return func() tea.Msg {
		p, ok := <-frames
		if !ok {
			return framesClosedMsg{}
		}
		return progressFrameMsg(p)
	}
}

func waitForResult(result <-chan error) tea.Cmd {
	return func() tea.Msg {
		return createdMsg{err: <-result}
	}
}

// Init starts the spinner and both listeners.
func (m ProgressModel) Init() tea.Cmd {
	cmds := []tea.Cmd{m.spin.Tick, waitForResult(m.result)}
	if m.frames != nil {
		cmds = append(cmds, waitForFrame(m.frames))
	}
	return tea.Batch(cmds...)
}

// Update handles frames, the creation result, resizes and quit keys.
func (m ProgressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case progressFrameMsg:
		p := capability.Progress(msg)
		m.last = p
		m.sawFrame = true
		cmd := m.bar.SetPercent(p.Percent / 100)
		if p.Final() {
			return m, cmd
		}
		return m, tea.Batch(cmd, waitForFrame(m.frames))

	case framesClosedMsg:
		return m, nil

	case createdMsg:
		m.done = true
		m.err = msg.err
		return m, tea.Quit

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			m.interrupted = true
			if m.cancel != nil {
				m.cancel()
			}
			return m, tea.Quit
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.bar.Width = min(max(msg.Width-24, 10), 60)
		return m, nil

	case progress.FrameMsg:
		bar, cmd := m.bar.Update(msg)
		m.bar = bar.(progress.Model)
		return m, cmd

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View renders the current line.
func (m ProgressModel) View() string {
	switch {
	case m.interrupted:
		return fmt.Sprintf("%s %s\n", IconWarning.Render(), Styles.Warning.Render("cancelled"))
	case m.done && m.err != nil:
		return fmt.Sprintf("%s %s\n", IconError.Render(), Styles.Error.Render(m.err.Error()))
	case m.done:
		return fmt.Sprintf("%s %s\n", IconSuccess.Render(), Styles.Success.Render(string(m.kind)+" ready"))
	}

	var b strings.Builder
	b.WriteString(m.spin.View())
	b.WriteString(" ")
	if !m.sawFrame {
		b.WriteString(fmt.Sprintf("preparing %s session", m.kind))
		b.WriteString("\n")
		return b.String()
	}
	b.WriteString(fmt.Sprintf("downloading %s model  ", m.kind))
	b.WriteString(m.bar.ViewAs(m.last.Percent / 100))
	if m.last.Estimated {
		b.WriteString(Styles.Muted.Render("  (estimated)"))
	}
	b.WriteString("\n")
	return b.String()
}

// Err returns the creation error, or ErrInterrupted.
func (m ProgressModel) Err() error {
	if m.interrupted {
		return ErrInterrupted
	}
	return m.err
}

// RunProgress runs create while showing frames. In interactive terminals a
// bubbletea screen draws the bar; otherwise one line is printed per whole
// ten percent.
//
// # Inputs
//
//   - ctx: cancels the creation.
//   - kind: used in labels.
//   - frames: progress frames of this creation, usually a Hub
//     subscription. May be nil.
//   - create: blocks until the session is ready or failed.
//
// # Outputs
//
//   - error: the error from create, or ErrInterrupted when the user quit.
func RunProgress(ctx context.Context, kind capability.Kind, frames <-chan capability.Progress, create func(context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	result := make(chan error, 1)
	go func() { result <- create(ctx) }()

	if !IsInteractive() {
		return plainProgress(errWriter(), kind, frames, result)
	}

	model := NewProgressModel(kind, frames, result, cancel)
	final, err := tea.NewProgram(model, tea.WithOutput(errWriter()), tea.WithContext(ctx)).Run()
	if err != nil {
		if errors.Is(err, tea.ErrProgramKilled) {
			return <-result
		}
		return err
	}
	return final.(ProgressModel).Err()
}

// plainProgress prints frames as lines until result arrives.
func plainProgress(w io.Writer, kind capability.Kind, frames <-chan capability.Progress, result <-chan error) error {
	lastDecile := -1
	for {
		select {
		case err := <-result:
			return err
		case p, ok := <-frames:
			if !ok {
				frames = nil
				continue
			}
			decile := int(math.Floor(p.Percent / 10))
			if decile == lastDecile && !p.Final() {
				continue
			}
			lastDecile = decile
			fmt.Fprintln(w, ProgressLine(kind, p))
		}
	}
}

// ProgressLine formats one frame for non-interactive output.
func ProgressLine(kind capability.Kind, p capability.Progress) string {
	suffix := ""
	if p.Estimated {
		suffix = " estimated"
	}
	if p.Complete {
		suffix = " complete"
	}
	if p.Failed {
		suffix = " failed"
	}
	if GetPersonality().Level == PersonalityMachine {
		return fmt.Sprintf("PROGRESS: %s %.0f%%%s", kind, p.Percent, suffix)
	}
	return fmt.Sprintf("%s %s %s%s", IconDownload.Render(), kind, ProgressBar(p.Percent, 30), Styles.Muted.Render(suffix))
}
