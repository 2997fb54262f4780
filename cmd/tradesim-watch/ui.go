package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"tradesim/internal/domain"
	"tradesim/internal/live"
)

// Styles.
var (
	timeStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	keyStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	symbolStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	priceStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("15"))
	buyStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	sellStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	resetStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("0")).Background(lipgloss.Color("3")) // black on yellow
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15")).Background(lipgloss.Color("4"))
	footerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("15")).Background(lipgloss.Color("8"))
)

// maxLines bounds the scrollback.
const maxLines = 2000

// Messages.
type (
	eventMsg  live.Event
	streamMsg struct {
		connected bool
		err       error
	}
)

type model struct {
	addr   string
	cancel context.CancelFunc

	viewport      viewport.Model
	ready         bool
	width, height int
	follow        bool

	lines     []string
	events    int
	fills     int
	connected bool
	lastErr   error
}

func initialModel(addr string, cancel context.CancelFunc) model {
	return model{addr: addr, cancel: cancel, follow: true}
}

func (m model) Init() tea.Cmd { return nil }

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.cancel()
			return m, tea.Quit
		case "f":
			m.follow = !m.follow
			if m.follow {
				m.viewport.GotoBottom()
			}
			return m, nil
		case "c":
			m.lines = nil
			m.refresh()
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		vpHeight := max(m.height-2, 1)
		if !m.ready {
			m.viewport = viewport.New(m.width, vpHeight)
			m.viewport.MouseWheelEnabled = true
			m.ready = true
		} else {
			m.viewport.Width = m.width
			m.viewport.Height = vpHeight
		}
		m.refresh()
		return m, nil

	case eventMsg:
		e := live.Event(msg)
		m.events++
		if e.Trade != nil {
			m.fills++
		}
		m.lines = append(m.lines, renderEvent(e))
		if len(m.lines) > maxLines {
			m.lines = m.lines[len(m.lines)-maxLines:]
		}
		m.refresh()
		return m, nil

	case streamMsg:
		m.connected = msg.connected
		m.lastErr = msg.err
		return m, nil
	}

	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

// refresh pushes the scrollback into the viewport.
func (m *model) refresh() {
	if !m.ready {
		return
	}
	m.viewport.SetContent(strings.Join(m.lines, "\n"))
	if m.follow {
		m.viewport.GotoBottom()
	}
}

func (m model) View() string {
	if !m.ready {
		return "Connecting..."
	}

	state := "connected"
	if !m.connected {
		state = "reconnecting"
		if m.lastErr != nil {
			state += ": " + m.lastErr.Error()
		}
	}
	header := fmt.Sprintf(" tradesim %s    %s    events: %d  fills: %d ", m.addr, state, m.events, m.fills)

	follow := "off"
	if m.follow {
		follow = "on"
	}
	footerLeft := fmt.Sprintf(" q quit  f follow (%s)  c clear  pgup/dn scroll", follow)
	footerRight := fmt.Sprintf("%.0f%% ", m.viewport.ScrollPercent()*100)
	gap := max(m.width-len(footerLeft)-len(footerRight), 0)
	footer := footerLeft + strings.Repeat(" ", gap) + footerRight

	return headerStyle.Render(padOrTrunc(header, m.width)) + "\n" +
		m.viewport.View() + "\n" +
		footerStyle.Render(padOrTrunc(footer, m.width))
}

// renderEvent formats one event as a styled line.
func renderEvent(e live.Event) string {
	prefix := timeStyle.Render(e.Timestamp.Format("15:04:05")) + " " + keyStyle.Render(fmt.Sprintf("%-24s", e.Key()))
	switch {
	case e.Type == live.TypeSystem:
		return prefix + " " + resetStyle.Render(" ledger reset ")
	case len(e.Quotes) > 0:
		parts := make([]string, 0, len(e.Quotes))
		for _, q := range e.Quotes {
			parts = append(parts, symbolStyle.Render(q.Symbol)+" "+priceStyle.Render(fmt.Sprintf("%.2f", q.Last)))
		}
		return prefix + " " + strings.Join(parts, "  ")
	case e.Trade != nil:
		t := e.Trade
		return fmt.Sprintf("%s %s %s %g @ %s %s", prefix, sideStyle(t.Side).Render(string(t.Side)),
			symbolStyle.Render(t.Symbol), t.Qty, priceStyle.Render(fmt.Sprintf("%.2f", t.Price)),
			dimStyle.Render("order "+t.OrderID))
	case e.Order != nil:
		o := e.Order
		return fmt.Sprintf("%s %s %s %s %g/%g %s", prefix, o.ID, sideStyle(o.Side).Render(string(o.Side)),
			symbolStyle.Render(o.Symbol), o.FilledQty, o.Qty, dimStyle.Render(string(o.Status)))
	}
	return prefix
}

func sideStyle(s domain.Side) lipgloss.Style {
	if s == domain.SideSell {
		return sellStyle
	}
	return buyStyle
}

func padOrTrunc(s string, w int) string {
	if w <= 0 {
		return s
	}
	if n := lipgloss.Width(s); n < w {
		return s + strings.Repeat(" ", w-n)
	}
	r := []rune(s)
	if len(r) > w {
		return string(r[:w])
	}
	return s
}
