package tui

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	tableBorderColor = lipgloss.AdaptiveColor{Light: "#999999", Dark: "#AAAAAA"}
	tableBorderStyle = lipgloss.NewStyle().Foreground(tableBorderColor)

	stateColors = map[string]lipgloss.AdaptiveColor{
		"ready":    {Light: "#009900", Dark: "#00FF00"},
		"degraded": {Light: "#DE970B", Dark: "#F6BE00"},
		"draining": {Light: "#666666", Dark: "#999999"},
		"dead":     {Light: "#990000", Dark: "#FF0000"},
		"open":     {Light: "#990000", Dark: "#FF0000"},
	}
)

// State colours a worker or circuit state name
func State(state string) string {
	c, ok := stateColors[state]
	if !ok {
		return state
	}
	return render(lipgloss.NewStyle().Foreground(c), state)
}

func Table(w io.Writer, headers []string, rows [][]string) {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		Rows(rows...)
	if HasTTY {
		t = t.BorderStyle(tableBorderStyle)
	}
	fmt.Fprintln(w, t.String())
}
