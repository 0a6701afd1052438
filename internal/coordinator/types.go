// Package coordinator tracks registered agents, their liveness and load, and
// picks an agent for each task.
package coordinator

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoCapableAgent means no idle agent covers the required
	// capabilities. Transient: the task stays queued.
	ErrNoCapableAgent = errors.New("no capable agent")

	// ErrUnknownAgent is returned for ids that were never registered or
	// have been deregistered.
	ErrUnknownAgent = errors.New("unknown agent")

	// ErrAgentUnavailable is returned when assigning to an agent that is
	// not idle.
	ErrAgentUnavailable = errors.New("agent unavailable")
)

// Status is an agent's availability.
type Status int

const (
	StatusIdle Status = iota
	StatusBusy
	StatusOffline
)

var statusNames = []string{"idle", "busy", "offline"}

func (s Status) String() string {
	if s >= StatusIdle && s <= StatusOffline {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", int(s))
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	for i, name := range statusNames {
		if name == string(text) {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown agent status %q", text)
}

// Strategy selects among capable idle agents.
type Strategy string

const (
	StrategyRoundRobin          Strategy = "round-robin"
	StrategyLeastRecentlyUsed   Strategy = "least-recently-used"
	StrategyPerformanceWeighted Strategy = "performance-weighted"
)

// ParseStrategy validates a configured strategy name.
func ParseStrategy(name string) (Strategy, error) {
	switch s := Strategy(name); s {
	case StrategyRoundRobin, StrategyLeastRecentlyUsed, StrategyPerformanceWeighted:
		return s, nil
	}
	return "", fmt.Errorf("unknown selection strategy %q", name)
}

// Outcome is how an assignment ended, from the agent's point of view.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	OutcomeCancelled // Neither rewarded nor penalised
)

// Descriptor is what an agent announces on registration.
type Descriptor struct {
	ID           string   `json:"id"`
	Capabilities []string `json:"capabilities"`
	Kind         string   `json:"kind,omitempty"` // Backend kind or "remote"
}

// Performance is the rolling record used by performance-weighted selection.
type Performance struct {
	SuccessRate float64       `json:"success_rate"`
	AvgDuration time.Duration `json:"avg_duration"`
	Samples     int           `json:"samples"`
}

// Agent is a snapshot of a registered agent.
type Agent struct {
	ID            string      `json:"id"`
	Capabilities  []string    `json:"capabilities"`
	Kind          string      `json:"kind,omitempty"`
	Status        Status      `json:"status"`
	CurrentTask   string      `json:"current_task,omitempty"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
	LastAssigned  time.Time   `json:"last_assigned,omitzero"`
	RegisteredAt  time.Time   `json:"registered_at"`
	Performance   Performance `json:"performance"`
	Breaker       string      `json:"breaker,omitempty"` // closed, half-open, open
}

// HasCapabilities reports whether the agent covers every required tag.
func (a Agent) HasCapabilities(required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(a.Capabilities))
	for _, c := range a.Capabilities {
		have[c] = struct{}{}
	}
	for _, r := range required {
		if _, ok := have[r]; !ok {
			return false
		}
	}
	return true
}

// Released names a task freed because its agent went away.
type Released struct {
	AgentID string
	TaskID  string
}

// Counts is the number of agents per status.
type Counts struct {
	Idle    int `json:"idle"`
	Busy    int `json:"busy"`
	Offline int `json:"offline"`
}

// Total returns the number of registered agents.
func (c Counts) Total() int {
	return c.Idle + c.Busy + c.Offline
}
