// Package tui implements an optional embedded dashboard: a scrolling
// list of dispatch decisions fed by the in-process event broker, with an
// inspector pane showing the highlighted XML payload of the selected
// entry. It replaces the teacher repo's separately networked,
// gRPC-connected TUI client — there is no longer a second transport for
// a standalone client to dial, so the dashboard runs embedded in the
// daemon process instead.
package tui

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/alex-rizov/pos-proxy/broker"
	"github.com/alex-rizov/pos-proxy/clipboard"
)

type viewMode int

const (
	viewList viewMode = iota
	viewInspect
)

// Model is the dashboard's Bubble Tea state.
type Model struct {
	broker *broker.Broker
	events <-chan broker.Event
	unsub  func()

	history []broker.Event
	cursor  int
	view    viewMode
	follow  bool

	width, height int

	inspectScroll int
	hScroll       int
}

// New constructs a dashboard Model subscribed to brk.
func New(brk *broker.Broker) Model {
	ch, unsub := brk.Subscribe()
	return Model{
		broker: brk,
		events: ch,
		unsub:  unsub,
		follow: true,
		view:   viewList,
	}
}

type eventMsg broker.Event

func waitForEvent(ch <-chan broker.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return nil
		}
		return eventMsg(ev)
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return waitForEvent(m.events)
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case eventMsg:
		m.history = append(m.history, broker.Event(msg))
		if m.follow {
			m.cursor = len(m.history) - 1
		}
		return m, waitForEvent(m.events)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		return m.updateKey(msg)
	}
	return m, nil
}

func (m Model) updateKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		if m.view == viewInspect {
			m.view = viewList
			return m, nil
		}
		if m.unsub != nil {
			m.unsub()
		}
		return m, tea.Quit
	case "enter":
		if m.view == viewList && len(m.history) > 0 {
			m.view = viewInspect
			m.inspectScroll = 0
		}
		return m, nil
	case "j", "down":
		if m.view == viewInspect {
			maxScroll := max(len(m.inspectorLines())-m.inspectVisibleRows(), 0)
			m.inspectScroll = clamp(m.inspectScroll+1, 0, maxScroll)
			return m, nil
		}
		return m.moveCursor(1), nil
	case "k", "up":
		if m.view == viewInspect {
			m.inspectScroll = max(m.inspectScroll-1, 0)
			return m, nil
		}
		return m.moveCursor(-1), nil
	case "g":
		m.follow = false
		m.cursor = 0
		return m, nil
	case "G":
		m.follow = true
		m.cursor = max(len(m.history)-1, 0)
		return m, nil
	case "c":
		if m.cursor >= 0 && m.cursor < len(m.history) {
			_ = clipboard.Copy(context.Background(), m.history[m.cursor].RoutingKey)
		}
		return m, nil
	}
	return m, nil
}

func (m Model) moveCursor(delta int) Model {
	if len(m.history) == 0 {
		return m
	}
	m.cursor = clamp(m.cursor+delta, 0, len(m.history)-1)
	m.follow = m.cursor == len(m.history)-1
	return m
}

// View implements tea.Model.
func (m Model) View() string {
	switch m.view {
	case viewInspect:
		return m.renderInspector()
	default:
		return m.renderList()
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Run starts the Bubble Tea program and blocks until the user quits or
// ctx is cancelled.
func Run(ctx context.Context, brk *broker.Broker) error {
	p := tea.NewProgram(New(brk), tea.WithAltScreen())
	go func() {
		<-ctx.Done()
		p.Quit()
	}()
	_, err := p.Run()
	return err
}
