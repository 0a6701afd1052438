package coordinator

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// ewmaAlpha weights the newest sample in the rolling performance record.
const ewmaAlpha = 0.2

// Options configures a Coordinator.
type Options struct {
	Strategy         Strategy
	HeartbeatTimeout time.Duration
	BreakerThreshold int           // Consecutive failures that open an agent's breaker; 0 disables
	BreakerCooldown  time.Duration // How long an open breaker excludes the agent
	Clock            func() time.Time
}

type agentState struct {
	Agent
	seq     uint64 // registration order, for round-robin
	breaker *gobreaker.TwoStepCircuitBreaker
	done    func(success bool) // pending breaker report for the current task
}

// Coordinator is the agent registry. All methods are safe for concurrent
// use.
type Coordinator struct {
	mu     sync.Mutex
	opts   Options
	agents map[string]*agentState
	seq    uint64
	lastRR uint64 // seq of the agent picked last by round-robin
}

// New creates an empty registry.
func New(opts Options) *Coordinator {
	if opts.Strategy == "" {
		opts.Strategy = StrategyPerformanceWeighted
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Coordinator{
		opts:   opts,
		agents: make(map[string]*agentState),
	}
}

func (c *Coordinator) newBreaker(id string) *gobreaker.TwoStepCircuitBreaker {
	if c.opts.BreakerThreshold <= 0 {
		return nil
	}
	threshold := uint32(c.opts.BreakerThreshold)
	return gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        id,
		MaxRequests: 1,
		Timeout:     c.opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Agent %q circuit breaker: %s -> %s", name, from, to)
		},
	})
}

// Register adds an agent, or refreshes one that is already known. A
// re-registering Offline agent comes back Idle; a Busy one keeps its task.
func (c *Coordinator) Register(d Descriptor) (Agent, error) {
	if d.ID == "" {
		return Agent{}, fmt.Errorf("agent id is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.opts.Clock()
	if a, ok := c.agents[d.ID]; ok {
		a.Capabilities = append([]string(nil), d.Capabilities...)
		if d.Kind != "" {
			a.Kind = d.Kind
		}
		if now.After(a.LastHeartbeat) {
			a.LastHeartbeat = now
		}
		if a.Status == StatusOffline {
			a.Status = StatusIdle
		}
		return c.snapshot(a), nil
	}

	c.seq++
	a := &agentState{
		Agent: Agent{
			ID:            d.ID,
			Capabilities:  append([]string(nil), d.Capabilities...),
			Kind:          d.Kind,
			Status:        StatusIdle,
			LastHeartbeat: now,
			RegisteredAt:  now,
			Performance:   Performance{SuccessRate: 1},
		},
		seq:     c.seq,
		breaker: c.newBreaker(d.ID),
	}
	c.agents[d.ID] = a
	return c.snapshot(a), nil
}

// Restore re-adds agents loaded from the event log. They start Offline
// until they heartbeat or register again.
func (c *Coordinator) Restore(agents []Agent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, saved := range agents {
		if _, ok := c.agents[saved.ID]; ok {
			continue
		}
		c.seq++
		a := &agentState{Agent: saved, seq: c.seq, breaker: c.newBreaker(saved.ID)}
		a.Capabilities = append([]string(nil), saved.Capabilities...)
		a.Status = StatusOffline
		a.CurrentTask = ""
		if a.Performance.Samples == 0 {
			a.Performance.SuccessRate = 1
		}
		c.agents[saved.ID] = a
	}
}

// Deregister removes an agent and returns the task it was holding, if any.
func (c *Coordinator) Deregister(id string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	a, ok := c.agents[id]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownAgent, id)
	}
	task := a.CurrentTask
	delete(c.agents, id)
	return task, nil
}

// Heartbeat records that the agent was alive at the given time. Heartbeats
// older than the latest one seen are ignored.
func (c *Coordinator) Heartbeat(id string, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	a, ok := c.agents[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAgent, id)
	}
	if !at.After(a.LastHeartbeat) {
		return nil
	}
	a.LastHeartbeat = at
	if a.Status == StatusOffline {
		a.Status = StatusIdle
	}
	return nil
}

// Select picks an idle agent covering required, per the configured
// strategy. Agents with an open circuit breaker are skipped. Select does
// not reserve the agent; follow it with Assign.
func (c *Coordinator) Select(required []string) (Agent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	candidates := c.candidates(required)
	if len(candidates) == 0 {
		return Agent{}, fmt.Errorf("%w for capabilities %v", ErrNoCapableAgent, required)
	}

	var picked *agentState
	switch c.opts.Strategy {
	case StrategyRoundRobin:
		picked = c.pickRoundRobin(candidates)
	case StrategyLeastRecentlyUsed:
		picked = pickLeastRecentlyUsed(candidates)
	default:
		picked = pickPerformanceWeighted(candidates)
	}
	return c.snapshot(picked), nil
}

func (c *Coordinator) candidates(required []string) []*agentState {
	var out []*agentState
	for _, a := range c.agents {
		if a.Status != StatusIdle || !a.HasCapabilities(required) {
			continue
		}
		if a.breaker != nil && a.breaker.State() == gobreaker.StateOpen {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// pickRoundRobin takes the first candidate registered after the previous
// pick, wrapping around.
func (c *Coordinator) pickRoundRobin(candidates []*agentState) *agentState {
	picked := candidates[0]
	for _, a := range candidates {
		if a.seq > c.lastRR {
			picked = a
			break
		}
	}
	c.lastRR = picked.seq
	return picked
}

func pickLeastRecentlyUsed(candidates []*agentState) *agentState {
	picked := candidates[0]
	for _, a := range candidates[1:] {
		if a.LastAssigned.Before(picked.LastAssigned) {
			picked = a
		}
	}
	return picked
}

// pickPerformanceWeighted prefers the highest success rate, then the lowest
// average duration, then the lowest id.
func pickPerformanceWeighted(candidates []*agentState) *agentState {
	picked := candidates[0]
	for _, a := range candidates[1:] {
		p, q := a.Performance, picked.Performance
		switch {
		case p.SuccessRate != q.SuccessRate:
			if p.SuccessRate > q.SuccessRate {
				picked = a
			}
		case p.AvgDuration != q.AvgDuration:
			if p.AvgDuration < q.AvgDuration {
				picked = a
			}
		case a.ID < picked.ID:
			picked = a
		}
	}
	return picked
}

// Assign binds taskID to an idle agent.
func (c *Coordinator) Assign(agentID, taskID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	a, ok := c.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAgent, agentID)
	}
	if a.Status != StatusIdle {
		return fmt.Errorf("%w: %q is %s", ErrAgentUnavailable, agentID, a.Status)
	}
	if a.breaker != nil {
		done, err := a.breaker.Allow()
		if err != nil {
			return fmt.Errorf("%w: %q: %v", ErrAgentUnavailable, agentID, err)
		}
		a.done = done
	}

	a.Status = StatusBusy
	a.CurrentTask = taskID
	a.LastAssigned = c.opts.Clock()
	return nil
}

// Release frees the agent from taskID and folds the outcome into its
// performance record. Releasing a task the agent no longer holds is a
// no-op.
func (c *Coordinator) Release(agentID, taskID string, outcome Outcome, took time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	a, ok := c.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAgent, agentID)
	}
	if a.CurrentTask != taskID {
		return nil
	}

	a.CurrentTask = ""
	if a.Status == StatusBusy {
		a.Status = StatusIdle
	}
	c.settle(a, outcome)

	if outcome == OutcomeCancelled {
		return nil
	}
	perf := &a.Performance
	sample := 0.0
	if outcome == OutcomeSuccess {
		sample = 1
	}
	perf.SuccessRate = ewmaAlpha*sample + (1-ewmaAlpha)*perf.SuccessRate
	if perf.Samples == 0 {
		perf.AvgDuration = took
	} else {
		perf.AvgDuration = time.Duration(ewmaAlpha*float64(took) + (1-ewmaAlpha)*float64(perf.AvgDuration))
	}
	perf.Samples++
	return nil
}

// settle reports the pending breaker request. Cancellation counts as
// success so it never trips the breaker.
func (c *Coordinator) settle(a *agentState, outcome Outcome) {
	if a.done == nil {
		return
	}
	a.done(outcome != OutcomeFailure)
	a.done = nil
}

// Sweep marks agents whose last heartbeat is older than the timeout as
// Offline and returns the tasks they held.
func (c *Coordinator) Sweep(now time.Time) []Released {
	if c.opts.HeartbeatTimeout <= 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var released []Released
	for _, a := range c.agents {
		if a.Status == StatusOffline || now.Sub(a.LastHeartbeat) <= c.opts.HeartbeatTimeout {
			continue
		}
		log.Printf("WARNING: agent %q missed heartbeats (last %s), marking offline", a.ID, a.LastHeartbeat.Format(time.RFC3339))
		a.Status = StatusOffline
		if a.CurrentTask != "" {
			released = append(released, Released{AgentID: a.ID, TaskID: a.CurrentTask})
			a.CurrentTask = ""
			c.settle(a, OutcomeFailure)
		}
	}
	sort.Slice(released, func(i, j int) bool { return released[i].AgentID < released[j].AgentID })
	return released
}

// Get returns a snapshot of one agent.
func (c *Coordinator) Get(id string) (Agent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	a, ok := c.agents[id]
	if !ok {
		return Agent{}, fmt.Errorf("%w: %q", ErrUnknownAgent, id)
	}
	return c.snapshot(a), nil
}

// List returns snapshots of every agent, sorted by id.
func (c *Coordinator) List() []Agent {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Agent, 0, len(c.agents))
	for _, a := range c.agents {
		out = append(out, c.snapshot(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Counts returns the number of agents per status.
func (c *Coordinator) Counts() Counts {
	c.mu.Lock()
	defer c.mu.Unlock()

	var counts Counts
	for _, a := range c.agents {
		switch a.Status {
		case StatusIdle:
			counts.Idle++
		case StatusBusy:
			counts.Busy++
		case StatusOffline:
			counts.Offline++
		}
	}
	return counts
}

func (c *Coordinator) snapshot(a *agentState) Agent {
	out := a.Agent
	out.Capabilities = append([]string(nil), a.Capabilities...)
	if a.breaker != nil {
		out.Breaker = a.breaker.State().String()
	}
	return out
}
