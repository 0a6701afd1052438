package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskforge/internal/events"
	"github.com/aristath/taskforge/internal/scheduler"
)

// DAGPaneModel shows overall progress: tasks per status and scheduler load.
type DAGPaneModel struct {
	status   map[string]scheduler.Status // task id -> latest status
	depth    int
	inFlight int
	backlog  int
	width    int
	height   int
	focused  bool
}

func NewDAGPaneModel() DAGPaneModel {
	return DAGPaneModel{status: make(map[string]scheduler.Status)}
}

// Update handles messages for the DAG pane.
func (m DAGPaneModel) Update(msg tea.Msg) (DAGPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case events.TaskEvent:
		m.status[msg.ID] = msg.To
	case events.QueueEvent:
		m.depth = msg.Depth
		m.inFlight = msg.InFlight
		m.backlog = msg.Backlog
	}
	return m, nil
}

// Counts groups the known tasks for display.
type Counts struct {
	Total     int
	Completed int
	Running   int // assigned, executing or validating
	Failed    int // failed, cancelled or blocked permanently
	Pending   int // everything else
}

func (m DAGPaneModel) Counts() Counts {
	c := Counts{Total: len(m.status)}
	for _, s := range m.status {
		switch s {
		case scheduler.StatusCompleted:
			c.Completed++
		case scheduler.StatusAssigned, scheduler.StatusExecuting, scheduler.StatusValidating:
			c.Running++
		case scheduler.StatusFailed, scheduler.StatusCancelled, scheduler.StatusBlockedPermanently:
			c.Failed++
		default:
			c.Pending++
		}
	}
	return c
}

// View renders the DAG pane.
func (m DAGPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	c := m.Counts()
	var b strings.Builder

	title := StyleTitle.Render("Progress")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "Total:     %d\n", c.Total)
	fmt.Fprintf(&b, "Completed: %s\n", StyleStatusComplete.Render(fmt.Sprint(c.Completed)))
	fmt.Fprintf(&b, "Running:   %s\n", StyleStatusRunning.Render(fmt.Sprint(c.Running)))
	fmt.Fprintf(&b, "Failed:    %s\n", StyleStatusFailed.Render(fmt.Sprint(c.Failed)))
	fmt.Fprintf(&b, "Pending:   %s\n", StyleStatusPending.Render(fmt.Sprint(c.Pending)))
	fmt.Fprintf(&b, "\nQueue %d | in flight %d | backlog %d\n\n", m.depth, m.inFlight, m.backlog)

	if c.Total > 0 {
		barWidth := min(m.width-4, 40)
		completedWidth := (c.Completed * barWidth) / c.Total
		failedWidth := (c.Failed * barWidth) / c.Total
		runningWidth := (c.Running * barWidth) / c.Total
		pendingWidth := barWidth - completedWidth - failedWidth - runningWidth

		bar := StyleStatusComplete.Render(strings.Repeat("=", max(0, completedWidth)))
		bar += StyleStatusFailed.Render(strings.Repeat("!", max(0, failedWidth)))
		bar += StyleStatusRunning.Render(strings.Repeat("-", max(0, runningWidth)))
		bar += StyleStatusPending.Render(strings.Repeat(".", max(0, pendingWidth)))

		fmt.Fprintf(&b, "[%s]  %d/%d\n", bar, c.Completed, c.Total)
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

func (m *DAGPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

func (m *DAGPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
