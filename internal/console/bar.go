package console

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/acolita/termmux/internal/ports"
	"github.com/acolita/termmux/internal/session"
)

var (
	tabStyle       = lipgloss.NewStyle().Padding(0, 1)
	activeTabStyle = tabStyle.Bold(true).Reverse(true)
	downTabStyle   = tabStyle.Faint(true)

	overlayStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11"))
	noticeStyles = map[ports.Level]lipgloss.Style{
		ports.LevelInfo:    lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		ports.LevelWarning: lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		ports.LevelError:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9")),
	}
)

// tabLabel is "N:title" plus a marker for sessions that are not connected.
func tabLabel(i int, info session.Info) string {
	label := fmt.Sprintf("%d:%s", i+1, info.Title)
	switch info.State.Phase {
	case session.PhaseConnecting:
		label += "…"
	case session.PhaseDisconnected:
		label += "!"
	case session.PhaseExited:
		label += fmt.Sprintf("[%d]", info.State.ExitCode)
	}
	return label
}

// renderBar lays out the tab bar for a screen width columns wide. status is
// right-aligned and wins over tabs when space runs out.
func renderBar(tabs []session.Info, status string, level ports.Level, overlay bool, width int) string {
	parts := make([]string, 0, len(tabs))
	for i, info := range tabs {
		style := tabStyle
		switch {
		case info.Active:
			style = activeTabStyle
		case info.State.Phase != session.PhaseConnected:
			style = downTabStyle
		}
		parts = append(parts, style.Render(tabLabel(i, info)))
	}
	left := lipgloss.JoinHorizontal(lipgloss.Top, parts...)

	right := ""
	if status != "" {
		style, ok := noticeStyles[level]
		if overlay || !ok {
			style = overlayStyle
		}
		right = style.Render(ansi.Truncate(status, max(width/2, 1), "…"))
	}

	gap := width - lipgloss.Width(left) - lipgloss.Width(right)
	if gap < 1 {
		left = ansi.Truncate(left, max(width-lipgloss.Width(right)-1, 0), "…")
		gap = max(width-lipgloss.Width(left)-lipgloss.Width(right), 0)
	}
	return ansi.Truncate(left+strings.Repeat(" ", gap)+right, width, "")
}
