package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/alex-rizov/pos-proxy/broker"
)

const (
	colMode     = 22
	colRouting  = 16
	colDuration = 10
	colTime     = 12
)

func eventStatus(ev broker.Event) string {
	if !ev.Responded && ev.Mode != "MulticastNoResponse" {
		return lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Render("NO RESP")
	}
	return ""
}

func (m Model) renderList() string {
	innerWidth := max(m.width-4, 20)
	colRoute := max(innerWidth-colMode-colDuration-colTime-6, 10)

	border := lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Width(innerWidth)

	title := fmt.Sprintf(" pos-proxy (%d dispatches) ", len(m.history))

	visRows := max(m.height-3, 1)
	start := 0
	if len(m.history) > visRows {
		start = clamp(m.cursor-visRows/2, 0, len(m.history)-visRows)
	}
	end := min(start+visRows, len(m.history))

	header := fmt.Sprintf("  %-*s %-*s %*s %*s  %s",
		colMode, "Mode", colRoute, "Routing Key", colDuration, "Duration", colTime, "Time", "")

	rows := []string{lipgloss.NewStyle().Bold(true).Render(header)}
	for i := start; i < end; i++ {
		ev := m.history[i]
		marker := "  "
		if i == m.cursor {
			marker = "▶ "
		}
		row := fmt.Sprintf("%s%-*s %-*s %*s %*s  %s",
			marker,
			colMode, ev.Mode,
			colRoute, truncate(ev.RoutingKey, colRoute),
			colDuration, formatDuration(ev.Duration),
			colTime, formatTime(ev.Time),
			eventStatus(ev),
		)
		if i == m.cursor {
			row = lipgloss.NewStyle().Bold(true).Render(row)
		}
		rows = append(rows, row)
	}

	content := strings.Join(rows, "\n")
	box := border.BorderForeground(lipgloss.Color("240")).Render(content)

	boxLines := strings.Split(box, "\n")
	if len(boxLines) > 0 {
		borderFg := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
		titleStyle := lipgloss.NewStyle().Bold(true)
		dashes := max(innerWidth-len([]rune(title)), 0)
		boxLines[0] = borderFg.Render("╭") + titleStyle.Render(title) + borderFg.Render(strings.Repeat("─", dashes)+"╮")
	}
	return strings.Join(boxLines, "\n")
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
