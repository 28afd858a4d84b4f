// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command optalmx-top is a terminal dashboard polling a running optalmxd
// daemon's GET /admin/status and rendering the currently loaded models.
//
// Usage:
//
//	go run ./cmd/optalmx-top
//	go run ./cmd/optalmx-top -url http://127.0.0.1:8911
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sort"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const pollInterval = 2 * time.Second

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	rowStyle    = lipgloss.NewStyle().PaddingLeft(2)
)

type statusMsg struct {
	models []string
	err    error
}

type model struct {
	daemonURL string
	client    *http.Client
	models    []string
	lastErr   error
	lastPoll  time.Time
}

func initialModel(daemonURL string) model {
	return model{daemonURL: daemonURL, client: &http.Client{Timeout: 5 * time.Second}}
}

func (m model) Init() tea.Cmd {
	return m.poll()
}

func (m model) poll() tea.Cmd {
	return func() tea.Msg {
		resp, err := m.client.Get(m.daemonURL + "/admin/status")
		if err != nil {
			return statusMsg{err: err}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return statusMsg{err: fmt.Errorf("daemon returned %d", resp.StatusCode)}
		}
		var body struct {
			LoadedModels []string `json:"loaded_models"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return statusMsg{err: err}
		}
		sort.Strings(body.LoadedModels)
		return statusMsg{models: body.LoadedModels}
	}
}

func tick() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg { return t })
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case statusMsg:
		m.lastPoll = time.Now()
		if msg.err != nil {
			m.lastErr = msg.err
		} else {
			m.lastErr = nil
			m.models = msg.models
		}
		return m, tick()
	case time.Time:
		return m, m.poll()
	}
	return m, nil
}

func (m model) View() string {
	out := headerStyle.Render(fmt.Sprintf("opta-lmx-top — %s", m.daemonURL)) + "\n"
	out += dimStyle.Render(fmt.Sprintf("last polled: %s", formatTime(m.lastPoll))) + "\n\n"

	if m.lastErr != nil {
		out += errStyle.Render("error: "+m.lastErr.Error()) + "\n"
	} else if len(m.models) == 0 {
		out += dimStyle.Render("no models loaded") + "\n"
	} else {
		for _, id := range m.models {
			out += rowStyle.Render(id) + "\n"
		}
	}

	out += "\n" + dimStyle.Render("q to quit")
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Format(time.TimeOnly)
}

func main() {
	url := flag.String("url", "http://127.0.0.1:8911", "base URL of the optalmxd daemon")
	flag.Parse()

	p := tea.NewProgram(initialModel(*url))
	if _, err := p.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "optalmx-top:", err)
		os.Exit(1)
	}
}
