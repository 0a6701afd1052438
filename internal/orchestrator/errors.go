package orchestrator

import "errors"

var (
	// ErrAgentTimeout marks an attempt that exceeded its deadline. Counted
	// against the task's retry budget.
	ErrAgentTimeout = errors.New("agent timed out")

	// ErrValidationRejected is the terminal reason of a task the quality
	// gateway rejected.
	ErrValidationRejected = errors.New("validation rejected")

	// ErrEngineStopped is returned by operations issued before Start or
	// after Stop.
	ErrEngineStopped = errors.New("engine stopped")
)
