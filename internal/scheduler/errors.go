package scheduler

import "errors"

var (
	// ErrCycleDetected is returned when registering a task would close a
	// dependency cycle. Not retryable.
	ErrCycleDetected = errors.New("dependency cycle detected")

	// ErrInvalidDefinition is returned for malformed task definitions.
	ErrInvalidDefinition = errors.New("invalid task definition")

	// ErrDuplicateTask is returned when a task id is registered twice.
	ErrDuplicateTask = errors.New("duplicate task id")

	// ErrTaskNotFound is returned for unknown task ids.
	ErrTaskNotFound = errors.New("task not found")

	// ErrInvalidTransition is returned when a status change is not in the
	// transition table.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrQueueSaturated is the backpressure signal: the queue is at capacity.
	// Callers should retry with backoff.
	ErrQueueSaturated = errors.New("queue saturated")

	// ErrQueueEmpty is returned by Dequeue when no entry is eligible.
	ErrQueueEmpty = errors.New("queue empty")
)
