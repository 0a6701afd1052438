package orchestrator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aristath/taskforge/internal/config"
	"github.com/aristath/taskforge/internal/coordinator"
	"github.com/aristath/taskforge/internal/persistence"
	"github.com/aristath/taskforge/internal/scheduler"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

const waitTimeout = 3 * time.Second

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: epoch}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeDispatcher records assignments; tests play the agent through
// Manager.ReportResult.
type fakeDispatcher struct {
	mu        sync.Mutex
	assigned  chan Assignment
	cancelled []Assignment
	failWith  error
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{assigned: make(chan Assignment, 64)}
}

func (d *fakeDispatcher) Dispatch(_ context.Context, a Assignment, _ ReportFunc) error {
	d.mu.Lock()
	err := d.failWith
	d.mu.Unlock()
	if err != nil {
		return err
	}
	d.assigned <- a
	return nil
}

func (d *fakeDispatcher) Cancel(a Assignment) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelled = append(d.cancelled, a)
}

func (d *fakeDispatcher) cancelledTasks() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.cancelled))
	for _, a := range d.cancelled {
		ids = append(ids, a.TaskID)
	}
	return ids
}

type harness struct {
	t     *testing.T
	m     *Manager
	d     *fakeDispatcher
	clock *fakeClock
	store persistence.TaskStore
	ctx   context.Context
}

func testEngineConfig() config.EngineConfig {
	return config.EngineConfig{
		MaxInFlight:  4,
		MaxAttempts:  3,
		TaskTimeout:  time.Minute,
		BackoffBase:  time.Second,
		BackoffMax:   10 * time.Second,
		TickInterval: 5 * time.Millisecond,
		HealthWindow: 5 * time.Minute,
	}
}

// newHarness starts a manager on store, or on a fresh in-memory store when
// store is nil. mods adjust the options before the manager is built.
func newHarness(t *testing.T, store persistence.TaskStore, mods ...func(*ManagerOptions)) *harness {
	t.Helper()

	ctx := context.Background()
	if store == nil {
		mem, err := persistence.NewMemoryStore(ctx)
		require.NoError(t, err)
		t.Cleanup(func() { mem.Close() })
		store = mem
	}

	clock := newFakeClock()
	d := newFakeDispatcher()
	opts := ManagerOptions{
		Options: Options{
			Config: testEngineConfig(),
			Queue:  scheduler.DefaultQueueConfig(),
			Coordinator: coordinator.New(coordinator.Options{
				Strategy:         coordinator.StrategyRoundRobin,
				HeartbeatTimeout: 30 * time.Second,
				Clock:            clock.Now,
			}),
			Store:      store,
			Dispatcher: d,
			Clock:      clock.Now,
		},
		HeartbeatInterval: time.Hour,
	}
	for _, mod := range mods {
		mod(&opts)
	}

	m, err := NewManager(opts)
	require.NoError(t, err)
	_, err = m.Start(ctx)
	require.NoError(t, err)
	t.Cleanup(m.Stop)

	return &harness{t: t, m: m, d: d, clock: clock, store: store, ctx: ctx}
}

func (h *harness) agent(id string, caps ...string) {
	h.t.Helper()
	_, err := h.m.RegisterAgent(h.ctx, coordinator.Descriptor{ID: id, Capabilities: caps})
	require.NoError(h.t, err)
}

func (h *harness) create(def scheduler.Definition) string {
	h.t.Helper()
	if def.Title == "" {
		def.Title = "Task " + def.ID
	}
	id, err := h.m.CreateTask(h.ctx, def)
	require.NoError(h.t, err)
	return id
}

// next returns the next dispatched assignment.
func (h *harness) next() Assignment {
	h.t.Helper()
	select {
	case a := <-h.d.assigned:
		return a
	case <-time.After(waitTimeout):
		h.t.Fatal("timed out waiting for an assignment")
		return Assignment{}
	}
}

// idle asserts that nothing is dispatched for a short while.
func (h *harness) idle() {
	h.t.Helper()
	select {
	case a := <-h.d.assigned:
		h.t.Fatalf("unexpected assignment of task %q to agent %q", a.TaskID, a.AgentID)
	case <-time.After(50 * time.Millisecond):
	}
}

func (h *harness) finish(a Assignment, output string) {
	h.t.Helper()
	require.NoError(h.t, h.m.ReportResult(h.ctx, Result{
		TaskID:   a.TaskID,
		AgentID:  a.AgentID,
		Attempt:  a.Attempt,
		Dispatch: a.Dispatch,
		Output:   output,
		Duration: time.Second,
	}))
}

func (h *harness) fail(a Assignment, msg string) {
	h.t.Helper()
	require.NoError(h.t, h.m.ReportResult(h.ctx, Result{
		TaskID:   a.TaskID,
		AgentID:  a.AgentID,
		Attempt:  a.Attempt,
		Dispatch: a.Dispatch,
		Error:    msg,
	}))
}

func (h *harness) task(id string) *scheduler.Task {
	h.t.Helper()
	task, err := h.m.GetTask(h.ctx, id)
	require.NoError(h.t, err)
	return task
}

// waitFor polls the task until cond holds and returns it.
func (h *harness) waitFor(id string, cond func(*scheduler.Task) bool) *scheduler.Task {
	h.t.Helper()
	var last *scheduler.Task
	require.Eventually(h.t, func() bool {
		task, err := h.m.GetTask(h.ctx, id)
		if err != nil {
			return false
		}
		last = task
		return cond(task)
	}, waitTimeout, 5*time.Millisecond, "task %q never reached the expected state", id)
	return last
}

func (h *harness) waitStatus(id string, status scheduler.Status) *scheduler.Task {
	h.t.Helper()
	return h.waitFor(id, func(t *scheduler.Task) bool { return t.Status == status })
}

func hasReason(task *scheduler.Task, substr string) bool {
	for _, tr := range task.History {
		if strings.Contains(tr.Reason, substr) {
			return true
		}
	}
	return false
}
