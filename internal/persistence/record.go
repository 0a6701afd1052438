package persistence

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/aristath/taskforge/internal/coordinator"
	"github.com/aristath/taskforge/internal/quality"
	"github.com/aristath/taskforge/internal/scheduler"
)

// Kind identifies what a record describes.
type Kind string

const (
	KindTaskCreated       Kind = "task.created"
	KindTaskTransition    Kind = "task.transition"
	KindAgentRegistered   Kind = "agent.registered"
	KindAgentStatus       Kind = "agent.status"
	KindAgentDeregistered Kind = "agent.deregistered"
)

// Record is one entry of the append-only event log. Seq is assigned by the
// store and strictly increases.
type Record struct {
	Seq     int64           `json:"seq"`
	Kind    Kind            `json:"kind"`
	TaskID  string          `json:"task_id,omitempty"`
	AgentID string          `json:"agent_id,omitempty"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Reason  string          `json:"reason,omitempty"`
	Attempt int             `json:"attempt,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	At      time.Time       `json:"at"`
}

// transitionPayload carries the task fields a transition may change besides
// its status.
type transitionPayload struct {
	AgentID       string            `json:"agent_id,omitempty"`
	Deadline      time.Time         `json:"deadline,omitzero"`
	NotBefore     time.Time         `json:"not_before,omitzero"`
	Artifact      string            `json:"artifact,omitempty"`
	Findings      []quality.Finding `json:"findings,omitempty"`
	FailureReason string            `json:"failure_reason,omitempty"`
}

// TaskCreated records a new task. The payload is the full task as created.
func TaskCreated(task *scheduler.Task) (Record, error) {
	payload, err := json.Marshal(task)
	if err != nil {
		return Record{}, fmt.Errorf("encoding task %s: %w", task.ID, err)
	}
	return Record{
		Kind:    KindTaskCreated,
		TaskID:  task.ID,
		To:      task.Status.String(),
		Attempt: task.Attempt,
		Payload: payload,
		At:      task.CreatedAt,
	}, nil
}

// TaskTransition records that task moved from from to its current status.
// The last history entry supplies the reason and timestamp.
func TaskTransition(from scheduler.Status, task *scheduler.Task) (Record, error) {
	payload, err := json.Marshal(transitionPayload{
		AgentID:       task.AssignedAgent,
		Deadline:      task.Deadline,
		NotBefore:     task.NotBefore,
		Artifact:      task.Artifact,
		Findings:      task.Findings,
		FailureReason: task.FailureReason,
	})
	if err != nil {
		return Record{}, fmt.Errorf("encoding transition of %s: %w", task.ID, err)
	}

	rec := Record{
		Kind:    KindTaskTransition,
		TaskID:  task.ID,
		AgentID: task.AssignedAgent,
		From:    from.String(),
		To:      task.Status.String(),
		Attempt: task.Attempt,
		Payload: payload,
	}
	if n := len(task.History); n > 0 {
		rec.Reason = task.History[n-1].Reason
		rec.At = task.History[n-1].At
	}
	return rec, nil
}

// AgentRegistered records a registration or re-registration.
func AgentRegistered(agent coordinator.Agent, at time.Time) (Record, error) {
	return agentRecord(KindAgentRegistered, agent, "", at)
}

// AgentStatusChanged records an agent status change worth surviving a
// restart (offline, back online). Heartbeats are not logged.
func AgentStatusChanged(agent coordinator.Agent, from coordinator.Status, at time.Time) (Record, error) {
	return agentRecord(KindAgentStatus, agent, from.String(), at)
}

func agentRecord(kind Kind, agent coordinator.Agent, from string, at time.Time) (Record, error) {
	payload, err := json.Marshal(agent)
	if err != nil {
		return Record{}, fmt.Errorf("encoding agent %s: %w", agent.ID, err)
	}
	return Record{
		Kind:    kind,
		AgentID: agent.ID,
		TaskID:  agent.CurrentTask,
		From:    from,
		To:      agent.Status.String(),
		Payload: payload,
		At:      at,
	}, nil
}

// AgentDeregistered records an explicit removal.
func AgentDeregistered(agentID string, at time.Time) Record {
	return Record{Kind: KindAgentDeregistered, AgentID: agentID, At: at}
}
