package messagebus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/aristath/taskforge/internal/orchestrator"
)

// RemoteDispatcher hands assignments to agents running in other processes.
// Assignments and cancellations go out on the agent's own subjects and
// results come back on the shared results subject.
type RemoteDispatcher struct {
	conn *Conn

	mu      sync.Mutex
	pending map[string]pendingRun // task id -> current attempt
}

type pendingRun struct {
	assignment orchestrator.Assignment
	report     orchestrator.ReportFunc
}

// NewRemoteDispatcher subscribes to the results subject. The subscription
// is released when conn is closed.
func NewRemoteDispatcher(conn *Conn) (*RemoteDispatcher, error) {
	d := &RemoteDispatcher{
		conn:    conn,
		pending: make(map[string]pendingRun),
	}
	if _, err := conn.subscribe(conn.subjects.Results(), "taskforge-results", d.onResult); err != nil {
		return nil, err
	}
	return d, nil
}

// Dispatch publishes the assignment. Delivery is not acknowledged; an agent
// that never picks it up is caught by the heartbeat timeout or the task
// deadline.
func (d *RemoteDispatcher) Dispatch(_ context.Context, a orchestrator.Assignment, report orchestrator.ReportFunc) error {
	if err := ValidateToken(a.AgentID); err != nil {
		return fmt.Errorf("agent %q: %w", a.AgentID, err)
	}

	d.mu.Lock()
	d.pending[a.TaskID] = pendingRun{assignment: a, report: report}
	d.mu.Unlock()

	if err := d.conn.publish(d.conn.subjects.Assign(a.AgentID), a); err != nil {
		d.forget(a)
		return err
	}
	return nil
}

// Cancel tells the agent to stop working on a.
func (d *RemoteDispatcher) Cancel(a orchestrator.Assignment) {
	d.forget(a)
	if ValidateToken(a.AgentID) != nil {
		return
	}
	if err := d.conn.publish(d.conn.subjects.Cancel(a.AgentID), a); err != nil {
		log.Printf("WARNING: cancelling task %q on agent %q: %v", a.TaskID, a.AgentID, err)
	}
}

func (d *RemoteDispatcher) forget(a orchestrator.Assignment) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if run, ok := d.pending[a.TaskID]; ok && sameDispatch(run.assignment, a.AgentID, a.Attempt, a.Dispatch) {
		delete(d.pending, a.TaskID)
	}
}

func (d *RemoteDispatcher) onResult(msg *nats.Msg) {
	var r orchestrator.Result
	if err := json.Unmarshal(msg.Data, &r); err != nil {
		log.Printf("WARNING: dropping malformed result: %v", err)
		return
	}
	d.deliver(r)
}

// deliver reports r if it belongs to the attempt in flight.
func (d *RemoteDispatcher) deliver(r orchestrator.Result) bool {
	d.mu.Lock()
	run, ok := d.pending[r.TaskID]
	if ok && !sameDispatch(run.assignment, r.AgentID, r.Attempt, r.Dispatch) {
		ok = false
	}
	if ok {
		delete(d.pending, r.TaskID)
	}
	d.mu.Unlock()

	if !ok {
		log.Printf("WARNING: ignoring result for task %q attempt %d (dispatch %d) from agent %q: no matching assignment", r.TaskID, r.Attempt, r.Dispatch, r.AgentID)
		return false
	}
	run.report(r)
	return true
}

func sameDispatch(a orchestrator.Assignment, agentID string, attempt int, dispatch uint64) bool {
	return a.AgentID == agentID && a.Attempt == attempt && a.Dispatch == dispatch
}

// Pending returns the number of assignments awaiting a result.
func (d *RemoteDispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
