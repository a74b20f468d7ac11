package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/alex-rizov/pos-proxy/highlight"
)

func (m Model) inspectVisibleRows() int {
	return max(m.height-2, 3)
}

func (m Model) inspectorLines() []string {
	if m.cursor < 0 || m.cursor >= len(m.history) {
		return nil
	}
	ev := m.history[m.cursor]

	lines := []string{
		padRight("Mode:", 12) + ev.Mode,
		padRight("Routing:", 12) + ev.RoutingKey,
		padRight("Session:", 12) + ev.SessionID,
		padRight("Winner:", 12) + ev.Winner,
		padRight("Responded:", 12) + fmt.Sprintf("%v", ev.Responded),
		padRight("Duration:", 12) + formatDuration(ev.Duration),
		padRight("Time:", 12) + formatTime(ev.Time),
	}

	if ev.RequestPayload != "" {
		lines = append(lines, "", "Request:")
		for _, l := range strings.Split(highlight.XML(ev.RequestPayload), "\n") {
			lines = append(lines, "  "+l)
		}
	}
	if ev.ResponsePayload != "" {
		lines = append(lines, "", "Response:")
		for _, l := range strings.Split(highlight.XML(ev.ResponsePayload), "\n") {
			lines = append(lines, "  "+l)
		}
	}

	return lines
}

func (m Model) renderInspector() string {
	innerWidth := max(m.width-4, 20)
	visibleRows := m.inspectVisibleRows()

	lines := m.inspectorLines()
	if lines == nil {
		return ""
	}

	maxScroll := max(len(lines)-visibleRows, 0)
	scroll := clamp(m.inspectScroll, 0, maxScroll)

	end := min(scroll+visibleRows, len(lines))
	visible := make([]string, 0, end-scroll)
	for _, l := range lines[scroll:end] {
		visible = append(visible, ansi.Cut(l, m.hScroll, m.hScroll+innerWidth))
	}
	content := strings.Join(visible, "\n")

	borderColor := lipgloss.Color("240")
	box := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		Width(innerWidth).
		BorderForeground(borderColor).
		Render(content)

	boxLines := strings.Split(box, "\n")
	if len(boxLines) > 0 {
		borderFg := lipgloss.NewStyle().Foreground(borderColor)
		titleStyle := lipgloss.NewStyle().Bold(true)
		title := " Inspector "
		dashes := max(innerWidth-len([]rune(title)), 0)
		boxLines[0] = borderFg.Render("╭") + titleStyle.Render(title) + borderFg.Render(strings.Repeat("─", dashes)+"╮")
	}
	if n := len(boxLines); n > 0 {
		borderFg := lipgloss.NewStyle().Foreground(borderColor)
		help := " q: back  j/k: scroll  c: copy routing key "
		dashes := max(innerWidth-len([]rune(help)), 0)
		boxLines[n-1] = borderFg.Render("╰") + lipgloss.NewStyle().Faint(true).Render(help) + borderFg.Render(strings.Repeat("─", dashes)+"╯")
	}

	return strings.Join(boxLines, "\n")
}
