// Package tui renders the interactive approvals console: a list of
// pending requests the operator can approve or deny from the keyboard.
package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/basket/aegis/internal/approval"
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	selectedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("229")).Background(lipgloss.Color("57"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	urgentStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	helpStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

const refreshInterval = 2 * time.Second

type refreshMsg []approval.Request

type tickMsg struct{}

// ApprovalsModel is the bubbletea model for the approvals console.
type ApprovalsModel struct {
	queue     *approval.Queue
	decidedBy string
	requests  []approval.Request
	cursor    int
	status    string
	quitting  bool
}

func NewApprovalsModel(queue *approval.Queue, decidedBy string) ApprovalsModel {
	if decidedBy == "" {
		decidedBy = "operator"
	}
	return ApprovalsModel{queue: queue, decidedBy: decidedBy}
}

func (m ApprovalsModel) refresh() tea.Msg {
	return refreshMsg(m.queue.Pending())
}

func refreshTick() tea.Cmd {
	return tea.Tick(refreshInterval, func(time.Time) tea.Msg { return tickMsg{} })
}

func (m ApprovalsModel) Init() tea.Cmd {
	return tea.Batch(m.refresh, refreshTick())
}

func (m ApprovalsModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case refreshMsg:
		m.requests = msg
		if m.cursor >= len(m.requests) {
			m.cursor = max(0, len(m.requests)-1)
		}
		return m, nil
	case tickMsg:
		return m, tea.Batch(m.refresh, refreshTick())
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(m.requests)-1 {
				m.cursor++
			}
		case "a":
			return m.decide(true)
		case "d":
			return m.decide(false)
		}
	}
	return m, nil
}

func (m ApprovalsModel) decide(approve bool) (tea.Model, tea.Cmd) {
	if m.cursor >= len(m.requests) {
		return m, nil
	}
	req := m.requests[m.cursor]
	var err error
	var ok bool
	if approve {
		ok, err = m.queue.Approve(req.ID, m.decidedBy, "approved via console")
	} else {
		ok, err = m.queue.Deny(req.ID, m.decidedBy, "denied via console")
	}
	switch {
	case err != nil:
		m.status = fmt.Sprintf("error: %v", err)
	case !ok:
		m.status = fmt.Sprintf("%s was already decided", shortID(req.ID))
	case approve:
		m.status = fmt.Sprintf("approved %s", shortID(req.ID))
	default:
		m.status = fmt.Sprintf("denied %s", shortID(req.ID))
	}
	return m, m.refresh
}

func (m ApprovalsModel) View() string {
	if m.quitting {
		return ""
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render("Pending approvals"))
	b.WriteString("\n\n")

	if len(m.requests) == 0 {
		b.WriteString(dimStyle.Render("Nothing waiting for review."))
		b.WriteString("\n")
	}
	for i, req := range m.requests {
		line := fmt.Sprintf("%s  [%s]  %s", shortID(req.ID), req.Category, req.Summary)
		if req.Hostname != "" {
			line += dimStyle.Render(fmt.Sprintf("  (%s %s)", req.Method, req.Hostname))
		}
		remaining := time.Until(req.ExpiresAt).Round(time.Second)
		if remaining < time.Minute {
			line += "  " + urgentStyle.Render(fmt.Sprintf("expires in %s", remaining))
		} else {
			line += "  " + dimStyle.Render(fmt.Sprintf("expires in %s", remaining))
		}
		if i == m.cursor {
			line = selectedStyle.Render("> " + line)
		} else {
			line = "  " + line
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	b.WriteString("\n")
	if m.status != "" {
		b.WriteString(m.status)
		b.WriteString("\n")
	}
	b.WriteString(helpStyle.Render("a approve · d deny · j/k move · q quit"))
	b.WriteString("\n")
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
