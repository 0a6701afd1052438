package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskforge/internal/events"
	"github.com/aristath/taskforge/internal/scheduler"
)

// TaskState is what the dashboard knows about one task.
type TaskState struct {
	ID       string
	Status   scheduler.Status
	Priority scheduler.Priority
	Agent    string
	Attempt  int
	Log      []string // transitions, validation verdicts and output
}

// TaskPaneModel lists tasks and shows the log of the selected one.
type TaskPaneModel struct {
	tasks       map[string]*TaskState
	order       []string // first-seen order
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
	updateTag   int // for debouncing
}

func NewTaskPaneModel() TaskPaneModel {
	return TaskPaneModel{
		tasks:    make(map[string]*TaskState),
		viewport: viewport.New(0, 0),
	}
}

// tickMsg is used for debouncing viewport updates.
type tickMsg struct {
	tag int
}

func (m *TaskPaneModel) task(id string) *TaskState {
	t, ok := m.tasks[id]
	if !ok {
		t = &TaskState{ID: id}
		m.tasks[id] = t
		m.order = append(m.order, id)
		if len(m.order) == 1 {
			m.selectedIdx = 0
		}
	}
	return t
}

// Update handles messages for the task pane.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	var cmd tea.Cmd
	var touched string

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.order)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.TaskEvent:
		t := m.task(msg.ID)
		t.Status = msg.To
		t.Priority = msg.Priority
		t.Attempt = msg.Attempt
		if msg.AgentID != "" {
			t.Agent = msg.AgentID
		}
		line := fmt.Sprintf("%s %s -> %s", msg.Timestamp.Format(time.TimeOnly), msg.From, msg.To)
		if msg.Reason != "" {
			line += ": " + msg.Reason
		}
		t.Log = append(t.Log, line)
		touched = msg.ID

	case events.TaskOutputEvent:
		t := m.task(msg.ID)
		t.Log = append(t.Log, fmt.Sprintf("--- output of attempt %d on %s (%v) ---", msg.Attempt, msg.AgentID, msg.Duration))
		t.Log = append(t.Log, strings.Split(strings.TrimRight(msg.Output, "\n"), "\n")...)
		touched = msg.ID

	case events.ValidationEvent:
		t := m.task(msg.ID)
		t.Log = append(t.Log, fmt.Sprintf("validation: %s (%d findings)", msg.Action, msg.Findings))
		touched = msg.ID

	case tickMsg:
		if msg.tag == m.updateTag {
			m.updateViewportContent()
		}
	}

	if touched != "" && touched == m.SelectedID() {
		m.updateTag++
		tag := m.updateTag
		cmd = tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
			return tickMsg{tag: tag}
		})
	}
	return m, cmd
}

// View renders the task pane.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	listWidth := min(32, m.width/2)
	logWidth := m.width - listWidth - 4

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderList(listWidth),
		lipgloss.NewStyle().
			Width(logWidth).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m TaskPaneModel) renderList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render(fmt.Sprintf("Tasks (%d)", len(m.order)))
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.order) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting..."))
	}
	for i, id := range m.order {
		t := m.tasks[id]
		name := id
		if len(name) > width-6 {
			name = name[:max(0, width-9)] + "..."
		}
		line := fmt.Sprintf("%s %s", StatusIcon(t.Status), name)
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

// SelectedID returns the id of the selected task, or "".
func (m TaskPaneModel) SelectedID() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.order) {
		return m.order[m.selectedIdx]
	}
	return ""
}

// Task returns the dashboard state of id.
func (m TaskPaneModel) Task(id string) (TaskState, bool) {
	t, ok := m.tasks[id]
	if !ok {
		return TaskState{}, false
	}
	return *t, true
}

func (m *TaskPaneModel) updateViewportContent() {
	t, ok := m.tasks[m.SelectedID()]
	if !ok {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}

	header := fmt.Sprintf("%s  [%s, %s, attempt %d", t.ID, t.Status, t.Priority, t.Attempt)
	if t.Agent != "" {
		header += ", agent " + t.Agent
	}
	header += "]"
	m.viewport.SetContent(header + "\n\n" + strings.Join(t.Log, "\n"))
	m.viewport.GotoBottom()
}

func (m *TaskPaneModel) resizeViewport() {
	listWidth := min(32, m.width/2)
	m.viewport.Width = max(10, m.width-listWidth-4)
	m.viewport.Height = max(5, m.height-4)
}

func (m *TaskPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
	m.updateViewportContent()
}

func (m *TaskPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
