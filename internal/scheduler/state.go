package scheduler

import (
	"fmt"
	"time"
)

// allowedTransitions is the task state machine. Cancelled is reachable from
// every non-terminal state and is handled in CanTransition.
var allowedTransitions = map[Status][]Status{
	StatusCreated:    {StatusBlocked, StatusReady},
	StatusBlocked:    {StatusReady, StatusBlockedPermanently},
	StatusReady:      {StatusQueued},
	StatusQueued:     {StatusAssigned, StatusFailed},
	StatusAssigned:   {StatusExecuting, StatusReady},
	StatusExecuting:  {StatusValidating, StatusReady, StatusQueued, StatusFailed},
	StatusValidating: {StatusCompleted, StatusQueued, StatusFailed, StatusReady},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StatusCancelled {
		return true
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Apply moves t to status to, appending a history entry and maintaining the
// lifecycle timestamps. The task is left untouched when the transition is
// not allowed.
func Apply(t *Task, to Status, reason string, at time.Time) error {
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("%w: %s -> %s for task %q", ErrInvalidTransition, t.Status, to, t.ID)
	}

	t.History = append(t.History, Transition{From: t.Status, To: to, At: at, Reason: reason})
	t.Status = to
	t.NotBefore = time.Time{}

	switch to {
	case StatusReady:
		t.ReadyAt = at
		t.AssignedAgent = ""
		t.Deadline = time.Time{}
	case StatusQueued:
		t.QueuedAt = at
		t.AssignedAgent = ""
		t.Deadline = time.Time{}
	case StatusExecuting:
		t.StartedAt = at
	case StatusValidating:
		t.Deadline = time.Time{}
	case StatusCompleted, StatusFailed, StatusCancelled, StatusBlockedPermanently:
		t.CompletedAt = at
		t.AssignedAgent = ""
		t.Deadline = time.Time{}
	}
	return nil
}
