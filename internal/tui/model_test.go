package tui

import (
	"context"
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/taskforge/internal/coordinator"
	"github.com/aristath/taskforge/internal/events"
	"github.com/aristath/taskforge/internal/scheduler"
)

type fakeCanceller struct {
	ids []string
	err error
}

func (f *fakeCanceller) CancelTask(_ context.Context, id string) error {
	f.ids = append(f.ids, id)
	return f.err
}

func send(t *testing.T, m Model, msgs ...tea.Msg) Model {
	t.Helper()
	for _, msg := range msgs {
		next, _ := m.Update(msg)
		m = next.(Model)
	}
	return m
}

func key(s string) tea.KeyMsg {
	if s == KeyTab {
		return tea.KeyMsg{Type: tea.KeyTab}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func newModel(t *testing.T, c Canceller) Model {
	t.Helper()
	bus := events.NewEventBus()
	t.Cleanup(bus.Close)
	return send(t, New(bus, c), tea.WindowSizeMsg{Width: 120, Height: 40})
}

func TestTaskEventsUpdatePanes(t *testing.T) {
	m := newModel(t, nil)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	m = send(t, m,
		events.TaskEvent{ID: "build", From: scheduler.StatusQueued, To: scheduler.StatusAssigned, AgentID: "a1", Attempt: 1, Timestamp: now},
		events.TaskEvent{ID: "ship", From: scheduler.StatusCreated, To: scheduler.StatusBlocked, Timestamp: now},
		events.TaskOutputEvent{ID: "build", AgentID: "a1", Attempt: 1, Output: "compiled\n"},
		events.ValidationEvent{ID: "build", Attempt: 1, Action: "accept"},
		events.TaskEvent{ID: "build", From: scheduler.StatusValidating, To: scheduler.StatusCompleted, Attempt: 1, Timestamp: now},
		events.AgentEvent{AgentID: "a1", Status: coordinator.StatusIdle},
		events.QueueEvent{Depth: 3, InFlight: 1},
	)

	build, ok := m.taskPane.Task("build")
	require.True(t, ok)
	assert.Equal(t, scheduler.StatusCompleted, build.Status)
	assert.Equal(t, "a1", build.Agent)
	assert.Contains(t, build.Log, "compiled")
	assert.Contains(t, build.Log, "validation: accept (0 findings)")

	c := m.dagPane.Counts()
	assert.Equal(t, Counts{Total: 2, Completed: 1, Pending: 1}, c)

	view := m.View()
	assert.Contains(t, view, "Tasks (2)")
	assert.Contains(t, view, "Agents (1)")
	assert.Contains(t, view, "Queue 3 | in flight 1 | backlog 0")
}

func TestNavigationAndCancel(t *testing.T) {
	c := &fakeCanceller{}
	m := newModel(t, c)
	m = send(t, m,
		events.TaskEvent{ID: "a", To: scheduler.StatusQueued},
		events.TaskEvent{ID: "b", To: scheduler.StatusQueued},
	)
	assert.Equal(t, "a", m.taskPane.SelectedID())

	m = send(t, m, key(KeyJ))
	assert.Equal(t, "b", m.taskPane.SelectedID())

	next, cmd := m.Update(key(KeyCancel))
	m = next.(Model)
	require.NotNil(t, cmd)
	m = send(t, m, cmd())
	assert.Equal(t, []string{"b"}, c.ids)
	assert.Equal(t, "cancelled b", m.status)

	c.err = errors.New("task already finished")
	_, cmd = m.Update(key(KeyCancel))
	m = send(t, m, cmd())
	assert.Contains(t, m.status, "task already finished")

	// Cancel only applies to the task pane.
	m = send(t, m, key(KeyTab))
	assert.Equal(t, PaneAgents, m.focusedPane)
	_, cmd = m.Update(key(KeyCancel))
	assert.Nil(t, cmd)
}

func TestAgentRemoval(t *testing.T) {
	m := newModel(t, nil)
	m = send(t, m,
		events.AgentEvent{AgentID: "a1", Status: coordinator.StatusBusy, Task: "x"},
		events.AgentEvent{AgentID: "a2", Status: coordinator.StatusIdle},
		events.AgentEvent{AgentID: "a1", Removed: true},
	)
	assert.Len(t, m.agentPane.agents, 1)
	assert.Contains(t, m.View(), "Agents (1)")
}

func TestQuit(t *testing.T) {
	m := newModel(t, nil)
	next, cmd := m.Update(key(KeyQuit))
	require.NotNil(t, cmd)
	assert.Equal(t, "Goodbye!\n", next.View())
}

func TestStatusMsg(t *testing.T) {
	m := newModel(t, nil)
	m = send(t, m, StatusMsg("all tasks finished"))
	assert.Contains(t, m.View(), "all tasks finished")
}
