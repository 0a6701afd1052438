package orchestrator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/taskforge/internal/config"
	"github.com/aristath/taskforge/internal/coordinator"
	"github.com/aristath/taskforge/internal/events"
	"github.com/aristath/taskforge/internal/persistence"
	"github.com/aristath/taskforge/internal/quality"
	"github.com/aristath/taskforge/internal/scheduler"
)

func TestUrgentTaskRunsFirstAndDependentWaitsForBoth(t *testing.T) {
	h := newHarness(t, nil)

	h.create(scheduler.Definition{ID: "a", Priority: scheduler.PriorityLow})
	h.create(scheduler.Definition{ID: "b", Priority: scheduler.PriorityUrgent})
	h.create(scheduler.Definition{ID: "c", Priority: scheduler.PriorityNormal, Dependencies: []string{"a", "b"}})
	require.Equal(t, scheduler.StatusBlocked, h.task("c").Status)

	h.agent("solo")

	first := h.next()
	assert.Equal(t, "b", first.TaskID)
	assert.Equal(t, "solo", first.AgentID)
	assert.Equal(t, 1, first.Attempt)
	h.finish(first, "b done")
	h.waitStatus("b", scheduler.StatusCompleted)

	second := h.next()
	assert.Equal(t, "a", second.TaskID)
	assert.Equal(t, scheduler.StatusBlocked, h.task("c").Status)
	h.finish(second, "a done")

	third := h.next()
	assert.Equal(t, "c", third.TaskID)
	h.finish(third, "c done")

	require.NoError(t, h.m.Wait(h.ctx, "c"))
	c := h.task("c")
	assert.Equal(t, scheduler.StatusCompleted, c.Status)
	assert.Equal(t, "c done", c.Artifact)
	assert.Equal(t, 1, c.Attempt)
}

func TestHeartbeatTimeoutReclaimsWithoutUsingAnAttempt(t *testing.T) {
	h := newHarness(t, nil)
	h.agent("a1")
	h.create(scheduler.Definition{ID: "t"})

	first := h.next()
	require.Equal(t, "a1", first.AgentID)
	h.waitStatus("t", scheduler.StatusExecuting)

	h.agent("a2")
	h.clock.Advance(31 * time.Second)
	require.NoError(t, h.m.Heartbeat(h.ctx, "a2"))

	second := h.next()
	assert.Equal(t, "t", second.TaskID)
	assert.Equal(t, "a2", second.AgentID)
	assert.Equal(t, 1, second.Attempt)
	assert.Contains(t, h.d.cancelledTasks(), "t")

	task := h.task("t")
	assert.True(t, hasReason(task, "agent a1 went offline"))

	var a1 coordinator.Agent
	for _, a := range h.m.Agents() {
		if a.ID == "a1" {
			a1 = a
		}
	}
	assert.Equal(t, coordinator.StatusOffline, a1.Status)

	// The lost agent's late report is ignored.
	h.finish(first, "late")
	h.finish(second, "on time")
	require.NoError(t, h.m.Wait(h.ctx, "t"))
	task = h.task("t")
	assert.Equal(t, scheduler.StatusCompleted, task.Status)
	assert.Equal(t, "on time", task.Artifact)
	assert.True(t, hasReason(task, "assigned to agent a2"))
}

type flakyValidator struct {
	calls atomic.Int32
}

func (v *flakyValidator) ID() string     { return "flaky" }
func (v *flakyValidator) Blocking() bool { return true }

func (v *flakyValidator) Evaluate(_ context.Context, _ quality.Artifact) (quality.Outcome, error) {
	if v.calls.Add(1) == 1 {
		return quality.Outcome{Findings: []quality.Finding{{Severity: quality.SeverityError, Message: "not yet"}}}, nil
	}
	return quality.Outcome{Passed: true}, nil
}

func TestValidationFailureRetriesThenCompletes(t *testing.T) {
	v := &flakyValidator{}
	h := newHarness(t, nil, func(o *ManagerOptions) {
		o.Gateway = quality.NewGateway(quality.Options{}, v)
	})
	h.agent("a1")
	h.create(scheduler.Definition{ID: "doc"})

	first := h.next()
	h.finish(first, "draft")

	retried := h.waitFor("doc", func(t *scheduler.Task) bool {
		return t.Status == scheduler.StatusQueued && t.Attempt == 2
	})
	assert.Contains(t, retried.FailureReason, "not yet")
	require.Len(t, retried.Findings, 1)
	assert.True(t, retried.Findings[0].Blocking)

	// Invisible until the backoff has elapsed.
	h.idle()
	h.clock.Advance(3 * time.Second)

	second := h.next()
	assert.Equal(t, 2, second.Attempt)
	h.finish(second, "final")

	done := h.waitStatus("doc", scheduler.StatusCompleted)
	assert.Equal(t, "final", done.Artifact)
	assert.Empty(t, done.FailureReason)
	assert.True(t, hasReason(done, "retrying as attempt 2 of 3"))
	assert.Equal(t, int32(2), v.calls.Load())
}

func TestRetryBudgetExhaustedFailsAndCascades(t *testing.T) {
	h := newHarness(t, nil)
	h.agent("a1")
	h.create(scheduler.Definition{ID: "x", MaxAttempts: 2})
	h.create(scheduler.Definition{ID: "y", Dependencies: []string{"x"}})
	h.create(scheduler.Definition{ID: "z", Dependencies: []string{"y"}})

	first := h.next()
	h.fail(first, "boom")
	h.waitFor("x", func(t *scheduler.Task) bool {
		return t.Status == scheduler.StatusQueued && t.Attempt == 2
	})
	h.clock.Advance(3 * time.Second)

	second := h.next()
	require.Equal(t, 2, second.Attempt)
	h.fail(second, "boom again")

	x := h.waitStatus("x", scheduler.StatusFailed)
	assert.Contains(t, x.FailureReason, "boom again")
	assert.Contains(t, x.FailureReason, "attempt 2 of 2")
	assert.Equal(t, scheduler.StatusBlockedPermanently, h.waitStatus("y", scheduler.StatusBlockedPermanently).Status)
	assert.Equal(t, scheduler.StatusBlockedPermanently, h.waitStatus("z", scheduler.StatusBlockedPermanently).Status)

	_, err := h.m.CreateTask(h.ctx, scheduler.Definition{ID: "late", Title: "Late", Dependencies: []string{"x"}})
	assert.ErrorIs(t, err, scheduler.ErrInvalidDefinition)
}

func TestAgentTimeoutCountsAsFailedAttempt(t *testing.T) {
	h := newHarness(t, nil, func(o *ManagerOptions) {
		o.Config.TaskTimeout = 10 * time.Second
	})
	h.agent("a1")
	h.create(scheduler.Definition{ID: "slow"})

	first := h.next()
	h.waitStatus("slow", scheduler.StatusExecuting)
	h.clock.Advance(11 * time.Second)

	task := h.waitFor("slow", func(t *scheduler.Task) bool {
		return t.Status == scheduler.StatusQueued && t.Attempt == 2
	})
	assert.Contains(t, task.FailureReason, ErrAgentTimeout.Error())
	assert.Contains(t, h.d.cancelledTasks(), "slow")

	h.finish(first, "too late")
	h.clock.Advance(3 * time.Second)
	second := h.next()
	assert.Equal(t, 2, second.Attempt)
}

func TestCancelTask(t *testing.T) {
	h := newHarness(t, nil)
	h.create(scheduler.Definition{ID: "p"})
	h.create(scheduler.Definition{ID: "q", Dependencies: []string{"p"}})

	require.NoError(t, h.m.CancelTask(h.ctx, "p"))
	assert.Equal(t, scheduler.StatusCancelled, h.task("p").Status)
	assert.Equal(t, scheduler.StatusBlockedPermanently, h.task("q").Status)

	assert.ErrorIs(t, h.m.CancelTask(h.ctx, "p"), scheduler.ErrInvalidTransition)
	assert.ErrorIs(t, h.m.CancelTask(h.ctx, "missing"), scheduler.ErrTaskNotFound)

	h.agent("a1")
	h.create(scheduler.Definition{ID: "r"})
	running := h.next()
	require.Equal(t, "r", running.TaskID)
	h.waitStatus("r", scheduler.StatusExecuting)

	require.NoError(t, h.m.CancelTask(h.ctx, "r"))
	assert.Equal(t, scheduler.StatusCancelled, h.task("r").Status)
	assert.Contains(t, h.d.cancelledTasks(), "r")

	// The agent is free again and the late result changes nothing.
	h.finish(running, "ignored")
	h.create(scheduler.Definition{ID: "s"})
	next := h.next()
	assert.Equal(t, "s", next.TaskID)
	assert.Equal(t, "a1", next.AgentID)
	assert.Equal(t, scheduler.StatusCancelled, h.task("r").Status)
}

func TestCreateTaskSaturation(t *testing.T) {
	h := newHarness(t, nil, func(o *ManagerOptions) {
		o.Queue.Capacity = 2
	})
	h.create(scheduler.Definition{ID: "a"})
	h.create(scheduler.Definition{ID: "b"})

	_, err := h.m.CreateTask(h.ctx, scheduler.Definition{ID: "c", Title: "C"})
	require.ErrorIs(t, err, scheduler.ErrQueueSaturated)
	_, err = h.m.GetTask(h.ctx, "c")
	assert.ErrorIs(t, err, scheduler.ErrTaskNotFound)

	// Tasks that are not ready yet do not need queue room.
	h.create(scheduler.Definition{ID: "d", Dependencies: []string{"a"}})
	assert.Equal(t, scheduler.StatusBlocked, h.task("d").Status)

	health, err := h.m.GetSystemHealth(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, health.QueueDepth)
	assert.Equal(t, 0, health.Backlog)
}

func TestResourceKeysSerializeTasks(t *testing.T) {
	h := newHarness(t, nil)
	h.create(scheduler.Definition{ID: "m1", Priority: scheduler.PriorityHigh, Resources: []string{"repo"}})
	h.create(scheduler.Definition{ID: "m2", Priority: scheduler.PriorityNormal, Resources: []string{"repo"}})
	h.create(scheduler.Definition{ID: "m3", Priority: scheduler.PriorityLow})
	h.agent("a1")
	h.agent("a2")
	h.agent("a3")

	got := map[string]Assignment{}
	for i := 0; i < 2; i++ {
		a := h.next()
		got[a.TaskID] = a
	}
	require.Contains(t, got, "m1")
	require.Contains(t, got, "m3")
	h.idle()

	h.finish(got["m1"], "merged")
	a := h.next()
	assert.Equal(t, "m2", a.TaskID)
}

func TestWorkflowCreatesFollowUp(t *testing.T) {
	h := newHarness(t, nil, func(o *ManagerOptions) {
		o.Workflows = scheduler.NewWorkflowManager(map[string]config.WorkflowConfig{
			"ship": {Steps: []config.WorkflowStepConfig{
				{Category: "feature"},
				{Category: "test", Priority: "high"},
			}},
		})
	})
	h.agent("a1")
	h.create(scheduler.Definition{ID: "login", Category: scheduler.CategoryFeature})

	h.finish(h.next(), "implemented")
	follow := h.next()
	assert.Equal(t, "login-test", follow.TaskID)
	assert.Equal(t, scheduler.CategoryTest, follow.Category)

	task := h.task("login-test")
	assert.Equal(t, []string{"login"}, task.Dependencies)
	assert.Equal(t, scheduler.PriorityHigh, task.Priority)
}

func TestDeregisterAgentReclaimsTask(t *testing.T) {
	h := newHarness(t, nil)
	h.agent("a1")
	h.create(scheduler.Definition{ID: "t"})
	h.next()
	h.waitStatus("t", scheduler.StatusExecuting)

	require.NoError(t, h.m.DeregisterAgent(h.ctx, "a1"))
	task := h.waitStatus("t", scheduler.StatusQueued)
	assert.Equal(t, 1, task.Attempt)
	assert.Empty(t, h.m.Agents())
	assert.ErrorIs(t, h.m.DeregisterAgent(h.ctx, "a1"), coordinator.ErrUnknownAgent)

	h.agent("a2")
	a := h.next()
	assert.Equal(t, "a2", a.AgentID)
	assert.Equal(t, 1, a.Attempt)
}

func TestDispatchFailureRequeues(t *testing.T) {
	h := newHarness(t, nil)
	h.d.mu.Lock()
	h.d.failWith = errors.New("agent unreachable")
	h.d.mu.Unlock()

	h.agent("a1")
	h.create(scheduler.Definition{ID: "t"})
	h.waitFor("t", func(t *scheduler.Task) bool { return hasReason(t, "dispatch failed") })

	h.d.mu.Lock()
	h.d.failWith = nil
	h.d.mu.Unlock()

	a := h.next()
	assert.Equal(t, "t", a.TaskID)
	assert.Equal(t, 1, a.Attempt)
}

func TestSystemHealth(t *testing.T) {
	h := newHarness(t, nil)
	h.agent("a1")
	h.create(scheduler.Definition{ID: "ok"})
	h.create(scheduler.Definition{ID: "bad", MaxAttempts: 1})

	for i := 0; i < 2; i++ {
		a := h.next()
		if a.TaskID == "ok" {
			h.finish(a, "fine")
		} else {
			h.fail(a, "broken")
		}
	}
	require.NoError(t, h.m.Wait(h.ctx, "ok", "bad"))

	health, err := h.m.GetSystemHealth(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, health.QueueDepth)
	assert.Equal(t, 0, health.InFlight)
	assert.Equal(t, 1, health.AgentCounts.Idle)
	assert.InDelta(t, 0.5, health.RecentFailureRate, 1e-9)
	assert.Equal(t, map[string]int{"completed": 1, "failed": 1}, health.TasksByStatus)
}

func TestRedispatchIgnoresResultOfEarlierDispatch(t *testing.T) {
	h := newHarness(t, nil)
	h.agent("a1")
	h.create(scheduler.Definition{ID: "t"})

	first := h.next()
	h.waitStatus("t", scheduler.StatusExecuting)

	// a1 misses its heartbeats, loses the task, then comes back and gets the
	// same attempt again.
	h.clock.Advance(31 * time.Second)
	h.waitFor("t", func(t *scheduler.Task) bool { return hasReason(t, "agent a1 went offline") })
	require.NoError(t, h.m.Heartbeat(h.ctx, "a1"))

	second := h.next()
	require.Equal(t, "a1", second.AgentID)
	require.Equal(t, first.Attempt, second.Attempt)
	assert.NotEqual(t, first.Dispatch, second.Dispatch)
	h.waitStatus("t", scheduler.StatusExecuting)

	// The cancelled run reports after the new one started.
	h.fail(first, "context canceled")
	h.idle()
	task := h.task("t")
	assert.Equal(t, scheduler.StatusExecuting, task.Status)
	assert.Equal(t, 1, task.Attempt)
	assert.Empty(t, task.FailureReason)

	h.finish(second, "done")
	done := h.waitStatus("t", scheduler.StatusCompleted)
	assert.Equal(t, "done", done.Artifact)
	assert.Equal(t, 1, done.Attempt)
}

// flakyStore fails every append while broken is set.
type flakyStore struct {
	persistence.TaskStore
	broken atomic.Bool
	failed atomic.Int32
}

func (s *flakyStore) Append(ctx context.Context, rec persistence.Record) (int64, error) {
	if s.broken.Load() {
		s.failed.Add(1)
		return 0, errors.New("disk full")
	}
	return s.TaskStore.Append(ctx, rec)
}

func newFlakyStore(t *testing.T) *flakyStore {
	t.Helper()
	mem, err := persistence.NewMemoryStore(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { mem.Close() })
	return &flakyStore{TaskStore: mem}
}

// waitForFailedWrite blocks until the store has refused at least one append.
func waitForFailedWrite(t *testing.T, s *flakyStore) {
	t.Helper()
	require.Eventually(t, func() bool { return s.failed.Load() > 0 }, waitTimeout, 5*time.Millisecond)
}

func TestUnrecordedResultExpiresAtDeadline(t *testing.T) {
	store := newFlakyStore(t)
	h := newHarness(t, store, func(o *ManagerOptions) {
		o.Config.TaskTimeout = 10 * time.Second
	})
	h.agent("a1")
	h.create(scheduler.Definition{ID: "t"})

	first := h.next()
	h.waitStatus("t", scheduler.StatusExecuting)

	store.broken.Store(true)
	h.finish(first, "lost")
	waitForFailedWrite(t, store)
	store.broken.Store(false)

	stuck := h.task("t")
	assert.Equal(t, scheduler.StatusExecuting, stuck.Status)
	assert.False(t, stuck.Deadline.IsZero())
	health, err := h.m.GetSystemHealth(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, health.InFlight)

	h.clock.Advance(11 * time.Second)
	task := h.waitFor("t", func(t *scheduler.Task) bool {
		return t.Status == scheduler.StatusQueued && t.Attempt == 2
	})
	assert.Contains(t, task.FailureReason, ErrAgentTimeout.Error())
	assert.Contains(t, h.d.cancelledTasks(), "t")

	// The agent was handed back and takes the retry.
	h.clock.Advance(3 * time.Second)
	second := h.next()
	assert.Equal(t, "a1", second.AgentID)
	assert.Equal(t, 2, second.Attempt)
}

// gatedValidator passes each artifact once release is closed.
type gatedValidator struct {
	entered chan string
	release chan struct{}
}

func newGatedValidator() *gatedValidator {
	return &gatedValidator{entered: make(chan string, 16), release: make(chan struct{})}
}

func (v *gatedValidator) ID() string     { return "gated" }
func (v *gatedValidator) Blocking() bool { return true }

func (v *gatedValidator) Evaluate(ctx context.Context, a quality.Artifact) (quality.Outcome, error) {
	v.entered <- a.TaskID
	select {
	case <-v.release:
		return quality.Outcome{Passed: true}, nil
	case <-ctx.Done():
		return quality.Outcome{}, ctx.Err()
	}
}

func (v *gatedValidator) waitEntered(t *testing.T, id string) {
	t.Helper()
	select {
	case got := <-v.entered:
		require.Equal(t, id, got)
	case <-time.After(waitTimeout):
		t.Fatalf("validation of %q never started", id)
	}
}

func TestUnrecordedVerdictExpiresAtDeadline(t *testing.T) {
	store := newFlakyStore(t)
	v := newGatedValidator()
	h := newHarness(t, store, func(o *ManagerOptions) {
		o.Gateway = quality.NewGateway(quality.Options{}, v)
		o.Config.TaskTimeout = 10 * time.Second
	})
	h.agent("a1")
	h.create(scheduler.Definition{ID: "t"})

	h.finish(h.next(), "draft")
	validating := h.waitStatus("t", scheduler.StatusValidating)
	assert.True(t, validating.Deadline.After(epoch))
	v.waitEntered(t, "t")

	store.broken.Store(true)
	close(v.release)
	waitForFailedWrite(t, store)
	store.broken.Store(false)
	assert.Equal(t, scheduler.StatusValidating, h.task("t").Status)

	h.clock.Advance(11 * time.Second)
	task := h.waitFor("t", func(t *scheduler.Task) bool {
		return t.Status == scheduler.StatusQueued && t.Attempt == 2
	})
	assert.Contains(t, task.FailureReason, "validation not finished")

	h.clock.Advance(3 * time.Second)
	second := h.next()
	assert.Equal(t, 2, second.Attempt)
	h.finish(second, "final")
	v.waitEntered(t, "t")
	assert.Equal(t, "final", h.waitStatus("t", scheduler.StatusCompleted).Artifact)
}

func TestResourceKeyHeldUntilVerdict(t *testing.T) {
	v := newGatedValidator()
	h := newHarness(t, nil, func(o *ManagerOptions) {
		o.Gateway = quality.NewGateway(quality.Options{}, v)
	})
	h.create(scheduler.Definition{ID: "m1", Priority: scheduler.PriorityHigh, Resources: []string{"repo"}})
	h.create(scheduler.Definition{ID: "m2", Priority: scheduler.PriorityNormal, Resources: []string{"repo"}})
	h.agent("a1")
	h.agent("a2")

	first := h.next()
	require.Equal(t, "m1", first.TaskID)
	h.finish(first, "merged")
	h.waitStatus("m1", scheduler.StatusValidating)
	v.waitEntered(t, "m1")

	// Both agents are idle, but m1 still holds "repo".
	h.idle()
	assert.Equal(t, scheduler.StatusQueued, h.task("m2").Status)

	close(v.release)
	h.waitStatus("m1", scheduler.StatusCompleted)
	second := h.next()
	assert.Equal(t, "m2", second.TaskID)
}

func TestAtMostOneTaskPerAgent(t *testing.T) {
	h := newHarness(t, nil)
	sub := h.m.Events().Subscribe(events.TopicTask, 4096)

	for _, id := range []string{"a1", "a2", "a3"} {
		h.agent(id)
	}
	ids := []string{"t1", "t2", "t3", "t4", "t5", "t6"}
	for _, id := range ids {
		h.create(scheduler.Definition{ID: id})
	}

	byAgent := map[string]Assignment{}
	for i := 0; i < 3; i++ {
		a := h.next()
		byAgent[a.AgentID] = a
	}
	for _, a := range byAgent {
		h.waitStatus(a.TaskID, scheduler.StatusExecuting)
	}

	// a1 leaves and rejoins, a2 fails its attempt, a3 succeeds.
	require.NoError(t, h.m.DeregisterAgent(h.ctx, "a1"))
	h.waitStatus(byAgent["a1"].TaskID, scheduler.StatusQueued)
	h.fail(byAgent["a2"], "flaky")
	h.finish(byAgent["a3"], "ok")
	h.agent("a1")

	allDone := func() bool {
		tasks, err := h.m.ListTasks(h.ctx, Filter{})
		require.NoError(t, err)
		for _, task := range tasks {
			if task.Status != scheduler.StatusCompleted {
				return false
			}
		}
		return len(tasks) == len(ids)
	}
	deadline := time.After(5 * waitTimeout)
	for !allDone() {
		select {
		case a := <-h.d.assigned:
			h.waitStatus(a.TaskID, scheduler.StatusExecuting)
			h.finish(a, "ok")
		case <-time.After(20 * time.Millisecond):
			h.clock.Advance(time.Second)
		case <-deadline:
			t.Fatal("tasks did not complete")
		}
	}

	holder := map[string]string{} // task -> agent
	transitions := 0
	for done := false; !done; {
		select {
		case ev := <-sub:
			te, ok := ev.(events.TaskEvent)
			if !ok {
				continue
			}
			transitions++
			switch te.To {
			case scheduler.StatusAssigned:
				require.NotEmpty(t, te.AgentID, "task %q assigned without an agent", te.ID)
				for other, agent := range holder {
					assert.False(t, agent == te.AgentID && other != te.ID,
						"agent %q got %q while still holding %q", agent, te.ID, other)
				}
				holder[te.ID] = te.AgentID
			case scheduler.StatusExecuting:
				assert.Equal(t, holder[te.ID], te.AgentID, "task %q executing on another agent", te.ID)
			default:
				delete(holder, te.ID)
			}
		default:
			done = true
		}
	}
	assert.Empty(t, holder)
	assert.Greater(t, transitions, 6*4)
	assert.Zero(t, h.m.Events().Dropped())
}
