package tui

import (
	"fmt"
	"sort"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskforge/internal/coordinator"
	"github.com/aristath/taskforge/internal/events"
)

// AgentState represents the last known state of one agent.
type AgentState struct {
	ID     string
	Status coordinator.Status
	Task   string
}

// AgentPaneModel lists registered agents.
type AgentPaneModel struct {
	agents  map[string]*AgentState
	width   int
	height  int
	focused bool
}

func NewAgentPaneModel() AgentPaneModel {
	return AgentPaneModel{agents: make(map[string]*AgentState)}
}

// Update handles messages for the agent pane.
func (m AgentPaneModel) Update(msg tea.Msg) (AgentPaneModel, tea.Cmd) {
	if msg, ok := msg.(events.AgentEvent); ok {
		if msg.Removed {
			delete(m.agents, msg.AgentID)
			return m, nil
		}
		a, exists := m.agents[msg.AgentID]
		if !exists {
			a = &AgentState{ID: msg.AgentID}
			m.agents[msg.AgentID] = a
		}
		a.Status = msg.Status
		a.Task = msg.Task
	}
	return m, nil
}

// View renders the agent pane.
func (m AgentPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder
	title := StyleTitle.Render(fmt.Sprintf("Agents (%d)", len(m.agents)))
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	ids := make([]string, 0, len(m.agents))
	for id := range m.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	if len(ids) == 0 {
		b.WriteString(StyleStatusPending.Render("No agents registered"))
	}
	for _, id := range ids {
		a := m.agents[id]
		line := fmt.Sprintf("%s %-16s %s", m.StatusIcon(a.Status), a.ID, a.Status)
		if a.Task != "" {
			line += "  " + a.Task
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

// StatusIcon returns a styled agent status indicator.
func (m AgentPaneModel) StatusIcon(s coordinator.Status) string {
	switch s {
	case coordinator.StatusBusy:
		return StyleStatusRunning.Render("●")
	case coordinator.StatusIdle:
		return StyleStatusComplete.Render("○")
	default:
		return StyleStatusFailed.Render("✗")
	}
}

func (m *AgentPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

func (m *AgentPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
