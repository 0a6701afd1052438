// Package tui is a live terminal dashboard over the engine's event bus.
package tui

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskforge/internal/events"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneTasks PaneID = iota
	PaneAgents
	PaneDAG
)

// Canceller cancels tasks on behalf of the dashboard.
type Canceller interface {
	CancelTask(ctx context.Context, id string) error
}

// cancelDoneMsg reports the outcome of a cancel request.
type cancelDoneMsg struct {
	id  string
	err error
}

// busClosedMsg is sent once the event subscription ends.
type busClosedMsg struct{}

// StatusMsg replaces the text shown next to the help bar.
type StatusMsg string

// Model is the root Bubble Tea model for the TUI.
type Model struct {
	taskPane    TaskPaneModel
	agentPane   AgentPaneModel
	dagPane     DAGPaneModel
	focusedPane PaneID
	eventSub    <-chan events.Event
	canceller   Canceller
	status      string
	width       int
	height      int
	quitting    bool
}

// New subscribes to every topic of bus. canceller may be nil, which
// disables the cancel key.
func New(bus *events.EventBus, canceller Canceller) Model {
	m := Model{
		taskPane:  NewTaskPaneModel(),
		agentPane: NewAgentPaneModel(),
		dagPane:   NewDAGPaneModel(),
		eventSub:  bus.SubscribeAll(1024),
		canceller: canceller,
	}
	m.updateFocusStates()
	return m
}

func (m Model) Init() tea.Cmd {
	return waitForEvent(m.eventSub)
}

// waitForEvent returns a command that waits for the next event from the event bus.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return busClosedMsg{}
		}
		return event
	}
}

func (m Model) cancelSelected() tea.Cmd {
	id := m.taskPane.SelectedID()
	if id == "" || m.canceller == nil {
		return nil
	}
	c := m.canceller
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return cancelDoneMsg{id: id, err: c.CancelTask(ctx, id)}
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			m.quitting = true
			return m, tea.Quit

		case KeyTab:
			m.focusedPane = (m.focusedPane + 1) % 3
			m.updateFocusStates()

		case KeyShiftTab:
			m.focusedPane = (m.focusedPane + 2) % 3
			m.updateFocusStates()

		case KeyPane1:
			m.focusedPane = PaneTasks
			m.updateFocusStates()

		case KeyPane2:
			m.focusedPane = PaneAgents
			m.updateFocusStates()

		case KeyPane3:
			m.focusedPane = PaneDAG
			m.updateFocusStates()

		case KeyCancel:
			if m.focusedPane == PaneTasks {
				cmds = append(cmds, m.cancelSelected())
			}

		default:
			if m.focusedPane == PaneTasks {
				var cmd tea.Cmd
				m.taskPane, cmd = m.taskPane.Update(msg)
				cmds = append(cmds, cmd)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()

	case cancelDoneMsg:
		if msg.err != nil {
			m.status = fmt.Sprintf("cancel %s: %v", msg.id, msg.err)
		} else {
			m.status = "cancelled " + msg.id
		}

	case busClosedMsg:
		m.status = "engine stopped"

	case StatusMsg:
		m.status = string(msg)

	case tickMsg:
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		cmds = append(cmds, cmd)

	case events.TaskEvent, events.TaskOutputEvent, events.ValidationEvent:
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		cmds = append(cmds, cmd)
		m.dagPane, _ = m.dagPane.Update(msg)
		cmds = append(cmds, waitForEvent(m.eventSub))

	case events.AgentEvent:
		m.agentPane, _ = m.agentPane.Update(msg)
		cmds = append(cmds, waitForEvent(m.eventSub))

	case events.QueueEvent:
		m.dagPane, _ = m.dagPane.Update(msg)
		cmds = append(cmds, waitForEvent(m.eventSub))
	}

	return m, tea.Batch(cmds...)
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	right := lipgloss.JoinVertical(lipgloss.Left, m.agentPane.View(), m.dagPane.View())
	body := lipgloss.JoinHorizontal(lipgloss.Top, m.taskPane.View(), right)

	help := HelpView()
	if m.status != "" {
		help += StyleHelp.Render("  | " + m.status)
	}
	return lipgloss.JoinVertical(lipgloss.Left, body, help)
}

// computeLayout calculates pane dimensions and updates all child models.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 60) / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 1 // help bar
	agentHeight := (availableHeight * 45) / 100

	m.taskPane.SetSize(leftWidth, availableHeight)
	m.agentPane.SetSize(rightWidth, agentHeight)
	m.dagPane.SetSize(rightWidth, availableHeight-agentHeight)
	m.updateFocusStates()
}

func (m *Model) updateFocusStates() {
	m.taskPane.SetFocused(m.focusedPane == PaneTasks)
	m.agentPane.SetFocused(m.focusedPane == PaneAgents)
	m.dagPane.SetFocused(m.focusedPane == PaneDAG)
}
