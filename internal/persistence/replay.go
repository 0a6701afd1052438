package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/aristath/taskforge/internal/coordinator"
	"github.com/aristath/taskforge/internal/scheduler"
)

// ErrCorruptLog is returned when a record cannot be applied to the state
// rebuilt so far.
var ErrCorruptLog = errors.New("corrupt event log")

// State is what replaying the event log produces.
type State struct {
	Tasks   map[string]*scheduler.Task
	Agents  map[string]coordinator.Agent
	LastSeq int64
}

// NewState returns an empty state.
func NewState() *State {
	return &State{
		Tasks:  make(map[string]*scheduler.Task),
		Agents: make(map[string]coordinator.Agent),
	}
}

// Replay rebuilds state from records in sequence order.
func Replay(records []Record) (*State, error) {
	s := NewState()
	if err := s.ApplyAll(records); err != nil {
		return nil, err
	}
	return s, nil
}

// ApplyAll applies records in order.
func (s *State) ApplyAll(records []Record) error {
	for _, rec := range records {
		if err := s.Apply(rec); err != nil {
			return err
		}
	}
	return nil
}

// Apply folds one record into the state. Records at or below LastSeq have
// already been applied and are skipped, so replaying an overlapping range
// is harmless.
func (s *State) Apply(rec Record) error {
	if rec.Seq != 0 && rec.Seq <= s.LastSeq {
		return nil
	}

	var err error
	switch rec.Kind {
	case KindTaskCreated:
		err = s.applyCreated(rec)
	case KindTaskTransition:
		err = s.applyTransition(rec)
	case KindAgentRegistered, KindAgentStatus:
		err = s.applyAgent(rec)
	case KindAgentDeregistered:
		delete(s.Agents, rec.AgentID)
	default:
		err = fmt.Errorf("unknown record kind %q", rec.Kind)
	}
	if err != nil {
		return fmt.Errorf("%w: seq %d: %w", ErrCorruptLog, rec.Seq, err)
	}

	if rec.Seq > s.LastSeq {
		s.LastSeq = rec.Seq
	}
	return nil
}

func (s *State) applyCreated(rec Record) error {
	if _, exists := s.Tasks[rec.TaskID]; exists {
		return fmt.Errorf("task %s created twice", rec.TaskID)
	}
	var task scheduler.Task
	if err := json.Unmarshal(rec.Payload, &task); err != nil {
		return fmt.Errorf("decoding task %s: %w", rec.TaskID, err)
	}
	s.Tasks[task.ID] = &task
	return nil
}

func (s *State) applyTransition(rec Record) error {
	task, ok := s.Tasks[rec.TaskID]
	if !ok {
		return fmt.Errorf("transition for unknown task %s", rec.TaskID)
	}
	if task.Status.String() != rec.From {
		return fmt.Errorf("task %s is %s, record expects %s", rec.TaskID, task.Status, rec.From)
	}
	to, err := scheduler.ParseStatus(rec.To)
	if err != nil {
		return err
	}

	var payload transitionPayload
	if len(rec.Payload) > 0 {
		if err := json.Unmarshal(rec.Payload, &payload); err != nil {
			return fmt.Errorf("decoding transition of %s: %w", rec.TaskID, err)
		}
	}

	if err := scheduler.Apply(task, to, rec.Reason, rec.At); err != nil {
		return err
	}
	task.Attempt = rec.Attempt
	task.AssignedAgent = payload.AgentID
	task.Deadline = payload.Deadline
	task.NotBefore = payload.NotBefore
	task.Artifact = payload.Artifact
	task.Findings = payload.Findings
	task.FailureReason = payload.FailureReason
	return nil
}

func (s *State) applyAgent(rec Record) error {
	var agent coordinator.Agent
	if err := json.Unmarshal(rec.Payload, &agent); err != nil {
		return fmt.Errorf("decoding agent %s: %w", rec.AgentID, err)
	}
	s.Agents[agent.ID] = agent
	return nil
}

// TaskList returns every task ordered by creation time, then id.
func (s *State) TaskList() []*scheduler.Task {
	out := make([]*scheduler.Task, 0, len(s.Tasks))
	for _, t := range s.Tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// OpenTasks returns the tasks that have not reached a terminal status.
func (s *State) OpenTasks() []*scheduler.Task {
	var out []*scheduler.Task
	for _, t := range s.TaskList() {
		if !t.Status.IsTerminal() {
			out = append(out, t)
		}
	}
	return out
}

// AgentList returns the registered agents sorted by id.
func (s *State) AgentList() []coordinator.Agent {
	out := make([]coordinator.Agent, 0, len(s.Agents))
	for _, a := range s.Agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
