// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Emberfield Labs

package cmd

import (
	"context"
	"fmt"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/emberfield/dfutool/pkg/dfu"
)

// Messages
type downloadProgressMsg dfu.ProgressEvent
type downloadDoneMsg struct {
	stats dfu.SessionStats
	err   error
}

// TUI model
type downloadModel struct {
	connInfo  string
	imageName string
	imageSize int

	progress progress.Model
	phase    string
	block    uint16
	state    dfu.State
	done     bool
	err      error
	stats    dfu.SessionStats
	percent  float64

	cancel context.CancelFunc
	width  int
}

var (
	tuiTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12")).
			Background(lipgloss.Color("235")).
			Padding(0, 1)

	tuiHeaderStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	tuiValueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10"))

	tuiErrorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			Bold(true)

	tuiBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)
)

func initialDownloadModel(connInfo, imageName string, imageSize int, cancel context.CancelFunc) downloadModel {
	return downloadModel{
		connInfo:  connInfo,
		imageName: imageName,
		imageSize: imageSize,
		progress:  progress.New(progress.WithDefaultGradient()),
		phase:     "starting",
		cancel:    cancel,
		width:     80,
	}
}

func (m downloadModel) Init() tea.Cmd {
	return nil
}

func (m downloadModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.cancel()
			if m.done {
				return m, tea.Quit
			}
			// The session goroutine notices the cancel and sends done.
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.progress.Width = msg.Width - 8
		if m.progress.Width > 60 {
			m.progress.Width = 60
		}
		return m, nil

	case downloadProgressMsg:
		m.phase = msg.Phase
		m.block = msg.Block
		m.state = msg.State
		if msg.BytesTotal > 0 {
			m.percent = float64(msg.BytesDone) / float64(msg.BytesTotal)
		}
		return m, nil

	case downloadDoneMsg:
		m.done = true
		m.err = msg.err
		m.stats = msg.stats
		if msg.err == nil {
			m.percent = 1.0
		}
		return m, tea.Quit
	}

	return m, nil
}

func (m downloadModel) View() string {
	title := tuiTitleStyle.Render("dfutool download")

	info := fmt.Sprintf("%s  %s\n%s  %s (%d bytes)",
		tuiHeaderStyle.Render("Connection:"), m.connInfo,
		tuiHeaderStyle.Render("Image:     "), m.imageName, m.imageSize)

	var body string
	switch {
	case m.done && m.err != nil:
		body = tuiErrorStyle.Render(fmt.Sprintf("FAILED: %v", m.err))
	case m.done:
		body = tuiValueStyle.Render("Download complete") + "\n" + m.stats.Summary()
	default:
		body = fmt.Sprintf("%s\n\n%s  %s   %s  %d",
			m.progress.ViewAs(m.percent),
			tuiHeaderStyle.Render("Phase:"), m.phase,
			tuiHeaderStyle.Render("Block:"), m.block)
		if m.phase == "manifest" {
			body += fmt.Sprintf("   %s  %s", tuiHeaderStyle.Render("State:"), m.state)
		}
	}

	help := tuiHeaderStyle.Render("q: abort and quit")

	return fmt.Sprintf("%s\n\n%s\n\n%s\n\n%s\n", title, info, tuiBoxStyle.Render(body), help)
}

// runDownloadTUI drives the session in the background and feeds progress
// into the terminal UI.
func runDownloadTUI(ctx context.Context, init *dfu.Initiator, connInfo, imageName string, image []byte) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := initialDownloadModel(connInfo, imageName, len(image), cancel)
	p := tea.NewProgram(m, tea.WithAltScreen())

	init.Progress = func(ev dfu.ProgressEvent) {
		p.Send(downloadProgressMsg(ev))
	}

	go func() {
		stats, err := init.Download(ctx, image)
		p.Send(downloadDoneMsg{stats: stats, err: err})
	}()

	final, err := p.Run()
	if err != nil {
		return fmt.Errorf("TUI error: %v", err)
	}

	if fm, ok := final.(downloadModel); ok && fm.err != nil {
		return fmt.Errorf("download failed: %v", fm.err)
	}
	return nil
}
