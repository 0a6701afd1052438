package orchestrator

import (
	"context"
	"fmt"
	"log"

	"github.com/aristath/taskforge/internal/coordinator"
	"github.com/aristath/taskforge/internal/persistence"
	"github.com/aristath/taskforge/internal/scheduler"
)

// RecoveryReport summarizes what Recover rebuilt.
type RecoveryReport struct {
	Tasks       int   // Tasks in the log
	Open        int   // Non-terminal after recovery
	Interrupted int   // Attempts reverted to Ready
	Agents      int   // Agents restored as Offline
	LastSeq     int64 // Last applied record
}

// Recover rebuilds the task table, the dependency graph, the queue and the
// agent registry from the store's event log. It must run before Start, on
// an empty engine.
//
// Attempts that were assigned, executing or validating when the previous
// process stopped go back to Ready without using up an attempt. Queued tasks
// keep their original enqueue time so aging continues where it left off, and
// a retry still in its backoff stays hidden until its NotBefore. They skip
// the capacity check: the slot was theirs before the restart, and Queued has
// no way back to the backlog.
func (e *Engine) Recover(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport
	if e.started {
		return report, fmt.Errorf("recover must run before start")
	}
	if len(e.tasks) > 0 {
		return report, fmt.Errorf("recover needs an empty engine, have %d tasks", len(e.tasks))
	}

	records, err := e.store.Events(ctx, 0)
	if err != nil {
		return report, fmt.Errorf("reading event log: %w", err)
	}
	state, err := persistence.Replay(records)
	if err != nil {
		return report, err
	}
	report.LastSeq = state.LastSeq

	agents := state.AgentList()
	e.coord.Restore(agents)
	for _, a := range agents {
		e.agentStatus[a.ID] = coordinator.StatusOffline
	}
	report.Agents = len(agents)

	tasks := state.TaskList()
	nodes := make([]scheduler.Node, 0, len(tasks))
	for _, t := range tasks {
		nodes = append(nodes, scheduler.Node{ID: t.ID, Deps: t.Dependencies})
	}
	if _, err := e.resolver.RegisterAll(nodes); err != nil {
		return report, fmt.Errorf("rebuilding dependency graph: %w", err)
	}
	order, err := e.resolver.Order()
	if err != nil {
		return report, fmt.Errorf("ordering recovered tasks: %w", err)
	}
	report.Tasks = len(order)

	for _, id := range order {
		t := state.Tasks[id]
		e.tasks[id] = t
		switch t.Status {
		case scheduler.StatusCompleted:
			e.resolver.OnTaskCompleted(id)
		case scheduler.StatusFailed, scheduler.StatusCancelled, scheduler.StatusBlockedPermanently:
			e.resolver.MarkDead(id)
		}
	}

	for _, id := range order {
		t := e.tasks[id]
		if t.Status.IsTerminal() {
			continue
		}
		if e.resume(t) {
			report.Interrupted++
		}
		if !t.Status.IsTerminal() {
			report.Open++
		}
	}

	log.Printf("Recovered %d tasks (%d open, %d interrupted) and %d agents from the event log", report.Tasks, report.Open, report.Interrupted, report.Agents)
	return report, nil
}

// resume puts one open task back where it belongs. Returns true when an
// interrupted attempt was reverted.
func (e *Engine) resume(t *scheduler.Task) bool {
	switch t.Status {
	case scheduler.StatusCreated:
		if err := e.transition(t, scheduler.StatusBlocked, "recovered before classification", nil); err != nil {
			log.Printf("ERROR: task %q: %v", t.ID, err)
			return false
		}
		e.resumeBlocked(t)
	case scheduler.StatusBlocked:
		e.resumeBlocked(t)
	case scheduler.StatusReady:
		e.admit(t)
	case scheduler.StatusQueued:
		e.queue.EnqueueAt(t.ID, t.Priority, t.QueuedAt, t.NotBefore)
	case scheduler.StatusAssigned, scheduler.StatusExecuting, scheduler.StatusValidating:
		reason := fmt.Sprintf("attempt %d interrupted by restart", t.Attempt)
		if err := e.transition(t, scheduler.StatusReady, reason, nil); err != nil {
			log.Printf("ERROR: task %q: %v", t.ID, err)
			return false
		}
		e.admit(t)
		return true
	}
	return false
}

// resumeBlocked settles a Blocked task whose dependencies changed state
// without the follow-up transition being recorded.
func (e *Engine) resumeBlocked(t *scheduler.Task) {
	for _, dep := range t.Dependencies {
		d, ok := e.tasks[dep]
		if !ok || !d.Status.IsTerminal() || d.Status == scheduler.StatusCompleted {
			continue
		}
		reason := fmt.Sprintf("dependency %q ended %s", dep, d.Status)
		if err := e.transition(t, scheduler.StatusBlockedPermanently, reason, nil); err != nil {
			log.Printf("ERROR: task %q: %v", t.ID, err)
			return
		}
		e.resolver.MarkDead(t.ID)
		return
	}

	if !e.resolver.Unblocked(t.ID) {
		return
	}
	if err := e.transition(t, scheduler.StatusReady, "dependencies completed", nil); err != nil {
		log.Printf("ERROR: task %q: %v", t.ID, err)
		return
	}
	e.admit(t)
}
