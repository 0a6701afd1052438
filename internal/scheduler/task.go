package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/aristath/taskforge/internal/quality"
)

// Status represents the current state of a task.
type Status int

const (
	StatusCreated            Status = iota // Recorded, not yet classified
	StatusBlocked                          // Waiting for dependencies
	StatusReady                            // All dependencies completed
	StatusQueued                           // Admitted to the priority queue
	StatusAssigned                         // Bound to an agent
	StatusExecuting                        // Running on the agent
	StatusValidating                       // Output under quality review
	StatusCompleted                        // Accepted
	StatusFailed                           // Retry budget exhausted or rejected
	StatusCancelled                        // Explicitly cancelled
	StatusBlockedPermanently               // An upstream dependency never completed
)

var statusNames = map[Status]string{
	StatusCreated:            "created",
	StatusBlocked:            "blocked",
	StatusReady:              "ready",
	StatusQueued:             "queued",
	StatusAssigned:           "assigned",
	StatusExecuting:          "executing",
	StatusValidating:         "validating",
	StatusCompleted:          "completed",
	StatusFailed:             "failed",
	StatusCancelled:          "cancelled",
	StatusBlockedPermanently: "blocked_permanently",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(name string) (Status, error) {
	for s, n := range statusNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", name)
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusBlockedPermanently:
		return true
	}
	return false
}

// Priority is the static priority of a task. Integer-backed so the queue can
// do arithmetic on it.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

var priorityNames = []string{"low", "normal", "high", "urgent"}

func (p Priority) String() string {
	if p >= PriorityLow && p <= PriorityUrgent {
		return priorityNames[p]
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// Valid reports whether p is one of the defined levels.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityUrgent
}

// ParsePriority accepts the level names case-insensitively. An empty string
// means normal.
func ParsePriority(name string) (Priority, error) {
	if name == "" {
		return PriorityNormal, nil
	}
	for i, n := range priorityNames {
		if strings.EqualFold(n, name) {
			return Priority(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown priority %q", ErrInvalidDefinition, name)
}

func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Category classifies the kind of work a task represents.
type Category string

const (
	CategoryAnalysis Category = "analysis"
	CategoryFeature  Category = "feature"
	CategoryBugfix   Category = "bugfix"
	CategorySecurity Category = "security"
	CategoryRefactor Category = "refactor"
	CategoryTest     Category = "test"
	CategoryDocs     Category = "docs"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryAnalysis, CategoryFeature, CategoryBugfix, CategorySecurity,
		CategoryRefactor, CategoryTest, CategoryDocs:
		return true
	}
	return false
}

// Transition is one entry of a task's history.
type Transition struct {
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// Task represents a unit of schedulable work.
type Task struct {
	ID                   string            `json:"id"`
	Title                string            `json:"title"`
	Description          string            `json:"description,omitempty"`
	Category             Category          `json:"category"`
	Priority             Priority          `json:"priority"`
	Status               Status            `json:"status"`
	RequiredCapabilities []string          `json:"required_capabilities,omitempty"`
	Dependencies         []string          `json:"dependencies,omitempty"`
	Resources            []string          `json:"resources,omitempty"` // Keys that must not be held by two running tasks
	Payload              string            `json:"payload,omitempty"`   // Instruction handed to the agent
	AssignedAgent        string            `json:"assigned_agent,omitempty"`
	Attempt              int               `json:"attempt"`
	MaxAttempts          int               `json:"max_attempts"`
	Artifact             string            `json:"artifact,omitempty"` // Output of the latest execution
	Findings             []quality.Finding `json:"findings,omitempty"`
	FailureReason        string            `json:"failure_reason,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
	ReadyAt              time.Time         `json:"ready_at,omitzero"`
	QueuedAt             time.Time         `json:"queued_at,omitzero"`
	NotBefore            time.Time         `json:"not_before,omitzero"` // Queued retries stay invisible until then
	StartedAt            time.Time         `json:"started_at,omitzero"`
	CompletedAt          time.Time         `json:"completed_at,omitzero"`
	Deadline             time.Time         `json:"deadline,omitzero"`
	History              []Transition      `json:"history,omitempty"`
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}

	cp := *t
	cp.RequiredCapabilities = cloneStrings(t.RequiredCapabilities)
	cp.Dependencies = cloneStrings(t.Dependencies)
	cp.Resources = cloneStrings(t.Resources)
	if t.Findings != nil {
		cp.Findings = append([]quality.Finding(nil), t.Findings...)
	}
	if t.History != nil {
		cp.History = append([]Transition(nil), t.History...)
	}
	return &cp
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}

// DefaultMaxAttempts applies when a definition leaves MaxAttempts at zero.
const DefaultMaxAttempts = 3

// Definition is the caller-supplied shape of a new task.
type Definition struct {
	ID                   string   `json:"id,omitempty" yaml:"id"`
	Title                string   `json:"title" yaml:"title"`
	Description          string   `json:"description,omitempty" yaml:"description"`
	Category             Category `json:"category,omitempty" yaml:"category"`
	Priority             Priority `json:"priority" yaml:"priority"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty" yaml:"capabilities"`
	Dependencies         []string `json:"dependencies,omitempty" yaml:"depends_on"`
	Resources            []string `json:"resources,omitempty" yaml:"resources"`
	Payload              string   `json:"payload,omitempty" yaml:"payload"`
	MaxAttempts          int      `json:"max_attempts,omitempty" yaml:"max_attempts"`
}

// Validate checks the definition in isolation. Graph-level checks (unknown
// dependencies, cycles through other tasks) belong to the Resolver.
func (d Definition) Validate() error {
	if strings.TrimSpace(d.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidDefinition)
	}
	if !d.Priority.Valid() {
		return fmt.Errorf("%w: priority %d out of range", ErrInvalidDefinition, int(d.Priority))
	}
	if d.Category != "" && !d.Category.Valid() {
		return fmt.Errorf("%w: unknown category %q", ErrInvalidDefinition, d.Category)
	}
	if d.MaxAttempts < 0 {
		return fmt.Errorf("%w: max_attempts must not be negative", ErrInvalidDefinition)
	}

	seen := make(map[string]bool, len(d.Dependencies))
	for _, dep := range d.Dependencies {
		if dep == "" {
			return fmt.Errorf("%w: empty dependency id", ErrInvalidDefinition)
		}
		if d.ID != "" && dep == d.ID {
			return fmt.Errorf("%w: task %q depends on itself", ErrCycleDetected, d.ID)
		}
		if seen[dep] {
			return fmt.Errorf("%w: duplicate dependency %q", ErrInvalidDefinition, dep)
		}
		seen[dep] = true
	}
	return nil
}

// NewTask builds a Created task from a validated definition.
func NewTask(d Definition, now time.Time) *Task {
	maxAttempts := d.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = DefaultMaxAttempts
	}
	category := d.Category
	if category == "" {
		category = CategoryFeature
	}

	return &Task{
		ID:                   d.ID,
		Title:                d.Title,
		Description:          d.Description,
		Category:             category,
		Priority:             d.Priority,
		Status:               StatusCreated,
		RequiredCapabilities: cloneStrings(d.RequiredCapabilities),
		Dependencies:         cloneStrings(d.Dependencies),
		Resources:            cloneStrings(d.Resources),
		Payload:              d.Payload,
		Attempt:              1,
		MaxAttempts:          maxAttempts,
		CreatedAt:            now,
	}
}
