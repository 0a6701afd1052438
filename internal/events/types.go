package events

import (
	"time"

	"github.com/aristath/taskforge/internal/coordinator"
	"github.com/aristath/taskforge/internal/scheduler"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicTask       = "task"
	TopicAgent      = "agent"
	TopicQueue      = "queue"
	TopicValidation = "validation"
)

// Event type constants
const (
	EventTypeTaskTransition = "task.transition"
	EventTypeTaskOutput     = "task.output"
	EventTypeAgentStatus    = "agent.status"
	EventTypeQueueDepth     = "queue.depth"
	EventTypeValidation     = "validation.result"
)

// TaskEvent is published for every task status transition, after the
// transition has been persisted.
type TaskEvent struct {
	ID        string             `json:"task_id"`
	From      scheduler.Status   `json:"from"`
	To        scheduler.Status   `json:"to"`
	Reason    string             `json:"reason,omitempty"`
	Attempt   int                `json:"attempt"`
	AgentID   string             `json:"agent_id,omitempty"`
	Priority  scheduler.Priority `json:"priority"`
	Timestamp time.Time          `json:"timestamp"`
}

func (e TaskEvent) EventType() string { return EventTypeTaskTransition }
func (e TaskEvent) TaskID() string    { return e.ID }

// TaskOutputEvent carries the output an agent produced for one attempt.
type TaskOutputEvent struct {
	ID        string        `json:"task_id"`
	AgentID   string        `json:"agent_id"`
	Attempt   int           `json:"attempt"`
	Output    string        `json:"output"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

func (e TaskOutputEvent) EventType() string { return EventTypeTaskOutput }
func (e TaskOutputEvent) TaskID() string    { return e.ID }

// AgentEvent is published when an agent registers, changes status or
// leaves.
type AgentEvent struct {
	AgentID   string             `json:"agent_id"`
	Status    coordinator.Status `json:"status"`
	Task      string             `json:"task_id,omitempty"`
	Removed   bool               `json:"removed,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

func (e AgentEvent) EventType() string { return EventTypeAgentStatus }
func (e AgentEvent) TaskID() string    { return e.Task }

// QueueEvent reports scheduler load after each loop iteration that changed
// it.
type QueueEvent struct {
	Depth     int       `json:"depth"`
	InFlight  int       `json:"in_flight"`
	Backlog   int       `json:"backlog"`
	Timestamp time.Time `json:"timestamp"`
}

func (e QueueEvent) EventType() string { return EventTypeQueueDepth }
func (e QueueEvent) TaskID() string    { return "" }

// ValidationEvent is published when the quality gateway decides on an
// attempt.
type ValidationEvent struct {
	ID        string        `json:"task_id"`
	Attempt   int           `json:"attempt"`
	Passed    bool          `json:"passed"`
	Action    string        `json:"action"`
	Findings  int           `json:"findings"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

func (e ValidationEvent) EventType() string { return EventTypeValidation }
func (e ValidationEvent) TaskID() string    { return e.ID }
