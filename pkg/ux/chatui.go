// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/AleutianAI/AleutianOnDevice/services/capability"
)

// ChatBackend is what the chat screen talks to. *features.Chat implements
// it.
type ChatBackend interface {
	Send(ctx context.Context, text string, onChunk func(capability.StreamUpdate)) (capability.StreamResult, error)
	Stop()
}

// =============================================================================
// Interactive Chat Screen
// =============================================================================

type chatChunkMsg capability.StreamUpdate

type chatDoneMsg struct {
	result capability.StreamResult
	err    error
}

type chatTurn struct {
	user  string
	reply string
	note  string
}

// ChatModel is the bubbletea model of the interactive chat screen.
//
// # Description
//
// Enter sends the input line. While a reply streams, esc stops it and
// the partial reply is kept. ctrl+c stops any stream and quits. The
// status line shows chars/s and chunks/s of the current or last reply.
//
// # Thread Safety
//
// Owned by the bubbletea program goroutine. Stream chunks arrive as
// messages through a per-reply channel.
type ChatModel struct {
	ctx     context.Context
	backend ChatBackend

	input    textinput.Model
	viewport viewport.Model

	turns     []chatTurn
	events    chan tea.Msg
	streaming bool
	status    string
	quitting  bool
}

// NewChatModel builds the chat screen over backend.
func NewChatModel(ctx context.Context, backend ChatBackend) ChatModel {
	ti := textinput.New()
	ti.Placeholder = "Ask something..."
	ti.Prompt = "> "
	ti.CharLimit = 4000
	ti.Focus()
	return ChatModel{
		ctx:      ctx,
		backend:  backend,
		input:    ti,
		viewport: viewport.New(80, 20),
		status:   "enter to send · esc to stop · ctrl+c to quit",
	}
}

func waitForChat(events <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-events
		if !ok {
			return nil
		}
		return msg
	}
}

// send starts one streamed reply. Chunks and the final result are
// delivered through events.
func (m *ChatModel) send(text string) tea.Cmd {
	events := make(chan tea.Msg, 64)
	m.events = events
	m.streaming = true
	m.turns = append(m.turns, chatTurn{user: text})
	backend, ctx := m.backend, m.ctx
	go func() {
		defer close(events)
		res, err := backend.Send(ctx, text, func(u capability.StreamUpdate) {
			events <- chatChunkMsg(u)
		})
		events <- chatDoneMsg{result: res, err: err}
	}()
	return waitForChat(events)
}

// Init blinks the cursor.
func (m ChatModel) Init() tea.Cmd {
	return textinput.Blink
}

// Update handles keys, stream messages and resizes.
func (m ChatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.viewport.Width = msg.Width
		m.viewport.Height = max(msg.Height-4, 3)
		m.input.Width = max(msg.Width-4, 10)
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			if m.streaming {
				m.backend.Stop()
			}
			m.quitting = true
			return m, tea.Quit
		case tea.KeyEsc:
			if m.streaming {
				m.backend.Stop()
				m.status = "stopping..."
			}
			return m, nil
		case tea.KeyEnter:
			text := strings.TrimSpace(m.input.Value())
			if text == "" || m.streaming {
				return m, nil
			}
			if text == "/quit" || text == "/exit" {
				m.quitting = true
				return m, tea.Quit
			}
			m.input.Reset()
			m.status = "thinking..."
			cmd := m.send(text)
			m.refresh()
			return m, cmd
		}

	case chatChunkMsg:
		if n := len(m.turns); n > 0 {
			m.turns[n-1].reply = msg.Text
		}
		m.status = fmt.Sprintf("%.1f chars/s · %.1f chunks/s", msg.CharsPerSecond, msg.ChunksPerSecond)
		m.refresh()
		return m, waitForChat(m.events)

	case chatDoneMsg:
		m.streaming = false
		if n := len(m.turns); n > 0 {
			t := &m.turns[n-1]
			if msg.result.Text != "" {
				t.reply = msg.result.Text
			}
			switch {
			case msg.result.Cancelled:
				t.note = "stopped"
			case msg.err != nil:
				t.note = msg.err.Error()
			}
		}
		m.status = fmt.Sprintf("%d chunks · %.1f chars/s · %.1f chunks/s",
			msg.result.Chunks, msg.result.CharsPerSecond, msg.result.ChunksPerSecond)
		m.refresh()
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// refresh re-renders the transcript into the viewport.
func (m *ChatModel) refresh() {
	m.viewport.SetContent(m.Transcript())
	m.viewport.GotoBottom()
}

// Transcript renders all turns.
func (m ChatModel) Transcript() string {
	var b strings.Builder
	for _, t := range m.turns {
		b.WriteString(Styles.UserLine.Render("you: "))
		b.WriteString(t.user)
		b.WriteString("\n")
		b.WriteString(Styles.AssistantLine.Render("model: "))
		b.WriteString(t.reply)
		if t.note != "" {
			b.WriteString(" ")
			b.WriteString(Styles.Muted.Render("[" + t.note + "]"))
		}
		b.WriteString("\n\n")
	}
	return b.String()
}

// View renders the transcript, status line and input.
func (m ChatModel) View() string {
	if m.quitting {
		return ""
	}
	return fmt.Sprintf("%s\n%s\n%s", m.viewport.View(), Styles.Muted.Render(m.status), m.input.View())
}

// RunChat runs the chat screen, or the line-mode loop when the terminal
// is not interactive.
func RunChat(ctx context.Context, backend ChatBackend) error {
	if !IsInteractive() {
		outMu.RLock()
		in := stdin
		outMu.RUnlock()
		return ChatLines(ctx, in, outWriter(), backend)
	}
	_, err := tea.NewProgram(NewChatModel(ctx, backend), tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	return err
}

// stdin feeds line-mode chat.
var stdin io.Reader = os.Stdin

// SetInput sets the reader used by line-mode chat.
func SetInput(r io.Reader) {
	outMu.Lock()
	defer outMu.Unlock()
	stdin = r
}

// ChatLines reads one prompt per line from r and streams each reply to w.
// It returns at EOF or when ctx ends.
func ChatLines(ctx context.Context, r io.Reader, w io.Writer, backend ChatBackend) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		printed := 0
		res, err := backend.Send(ctx, text, func(u capability.StreamUpdate) {
			fmt.Fprint(w, u.Chunk)
			printed += len(u.Chunk)
		})
		if printed == 0 && res.Text != "" {
			fmt.Fprint(w, res.Text)
		}
		fmt.Fprintln(w)
		if err != nil {
			if res.Cancelled {
				continue
			}
			return err
		}
	}
	return scanner.Err()
}
