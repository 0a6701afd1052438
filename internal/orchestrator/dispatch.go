package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/aristath/taskforge/internal/backend"
	"github.com/aristath/taskforge/internal/scheduler"
)

// Assignment is one attempt of a task bound to an agent. Dispatch is unique
// per hand-off, so a task reclaimed and handed to the same agent again for
// the same attempt still gets a fresh token.
type Assignment struct {
	TaskID   string             `json:"task_id"`
	AgentID  string             `json:"agent_id"`
	Attempt  int                `json:"attempt"`
	Dispatch uint64             `json:"dispatch"`
	Category scheduler.Category `json:"category"`
	Payload  string             `json:"payload"`
	Deadline time.Time          `json:"deadline"`
}

// Result is what an agent reports for an assignment. A non-empty Error
// means the attempt failed on the agent side.
type Result struct {
	TaskID   string        `json:"task_id"`
	AgentID  string        `json:"agent_id"`
	Attempt  int           `json:"attempt"`
	Dispatch uint64        `json:"dispatch"`
	Output   string        `json:"output"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// ReportFunc delivers a result back to the engine.
type ReportFunc func(Result)

// Dispatcher hands assignments to agents. Dispatch must not block on the
// execution itself; the outcome arrives later through report. Cancel is a
// best-effort signal and may be a no-op for work that already finished.
type Dispatcher interface {
	Dispatch(ctx context.Context, a Assignment, report ReportFunc) error
	Cancel(a Assignment)
}

// LocalDispatcher runs assignments in-process, one goroutine per attempt,
// on the backend bound to the assigned agent.
type LocalDispatcher struct {
	mu       sync.Mutex
	backends map[string]backend.Backend // agent id -> backend
	running  map[string]*localRun       // task id -> current attempt
	wg       sync.WaitGroup
}

type localRun struct {
	dispatch uint64
	cancel   context.CancelFunc
}

// NewLocalDispatcher creates a dispatcher with no agents bound.
func NewLocalDispatcher() *LocalDispatcher {
	return &LocalDispatcher{
		backends: make(map[string]backend.Backend),
		running:  make(map[string]*localRun),
	}
}

// Bind makes b the backend for agentID.
func (d *LocalDispatcher) Bind(agentID string, b backend.Backend) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.backends[agentID] = b
}

// Agents returns the ids of the bound agents, sorted.
func (d *LocalDispatcher) Agents() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	ids := make([]string, 0, len(d.backends))
	for id := range d.backends {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Dispatch starts the attempt in a goroutine.
func (d *LocalDispatcher) Dispatch(ctx context.Context, a Assignment, report ReportFunc) error {
	d.mu.Lock()
	b, ok := d.backends[a.AgentID]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("no local backend bound to agent %q", a.AgentID)
	}
	if prev, ok := d.running[a.TaskID]; ok {
		prev.cancel()
	}
	runCtx, cancel := context.WithCancel(ctx)
	run := &localRun{dispatch: a.Dispatch, cancel: cancel}
	d.running[a.TaskID] = run
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		defer d.finish(a.TaskID, run)

		report(Execute(runCtx, b, a))
	}()
	return nil
}

// Execute runs one attempt on b and turns the outcome into a Result.
func Execute(ctx context.Context, b backend.Backend, a Assignment) Result {
	start := time.Now()
	resp, err := b.Execute(ctx, backend.Request{
		TaskID:  a.TaskID,
		Payload: a.Payload,
		Env:     []string{fmt.Sprintf("TASKFORGE_ATTEMPT=%d", a.Attempt), "TASKFORGE_CATEGORY=" + string(a.Category)},
	})

	res := Result{
		TaskID:   a.TaskID,
		AgentID:  a.AgentID,
		Attempt:  a.Attempt,
		Dispatch: a.Dispatch,
		Output:   resp.Output,
		Duration: resp.Duration,
	}
	if res.Duration == 0 {
		res.Duration = time.Since(start)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Printf("Task %q attempt %d on agent %q cancelled", a.TaskID, a.Attempt, a.AgentID)
		}
		res.Error = err.Error()
	}
	return res
}

func (d *LocalDispatcher) finish(taskID string, run *localRun) {
	run.cancel()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running[taskID] == run {
		delete(d.running, taskID)
	}
}

// Cancel stops the run of a, if it is still the current one for its task.
func (d *LocalDispatcher) Cancel(a Assignment) {
	d.mu.Lock()
	run, ok := d.running[a.TaskID]
	d.mu.Unlock()
	if ok && run.dispatch == a.Dispatch {
		run.cancel()
	}
}

// Wait blocks until every started attempt has returned.
func (d *LocalDispatcher) Wait() {
	d.wg.Wait()
}
