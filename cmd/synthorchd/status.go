package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/chenyanchen/synthorch"
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7aa2f7"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#555"))
	runningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#9ece6a"))
	partialStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#e0af68"))
	stoppedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#f7768e"))
	boxStyle     = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

func stateStyle(s synthorch.LifecycleState) lipgloss.Style {
	switch s {
	case synthorch.FullyRunning:
		return runningStyle
	case synthorch.Stopped:
		return stoppedStyle
	default:
		return partialStyle
	}
}

// renderStatus draws one line per engine with its soundfont stack.
func renderStatus(m *synthorch.Manager) string {
	var rows []string
	rows = append(rows, headerStyle.Render(fmt.Sprintf("%-16s %-14s %s", "ENGINE", "STATE", "SOUNDFONTS")))
	for _, info := range m.Engines() {
		in, err := m.Instance(info.ID)
		if err != nil {
			continue
		}
		var fonts []string
		for _, e := range in.Soundfonts() {
			fonts = append(fonts, fmt.Sprintf("%d:%s", e.Position, e.Path))
		}
		state := stateStyle(info.State).Render(fmt.Sprintf("%-14s", info.State))
		line := fmt.Sprintf("%-16s %s %s", info.Name, state, strings.Join(fonts, " "))
		if info.Dirty {
			line += dimStyle.Render("  (restart pending)")
		}
		rows = append(rows, line)
	}
	return boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}
