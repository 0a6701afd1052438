package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/aristath/taskforge/internal/coordinator"
	"github.com/aristath/taskforge/internal/events"
	"github.com/aristath/taskforge/internal/persistence"
	"github.com/aristath/taskforge/internal/scheduler"
)

// Filter selects tasks for ListTasks. Zero fields match everything.
type Filter struct {
	Statuses []scheduler.Status
	Category scheduler.Category
	AgentID  string
	Limit    int
}

func (f Filter) match(t *scheduler.Task) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if t.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Category != "" && t.Category != f.Category {
		return false
	}
	if f.AgentID != "" && t.AssignedAgent != f.AgentID {
		return false
	}
	return true
}

// ManagerOptions configures a Manager on top of the engine options.
type ManagerOptions struct {
	Options

	// LocalAgents are registered on Start and kept alive with heartbeats
	// every HeartbeatInterval while the manager runs.
	LocalAgents       []coordinator.Descriptor
	HeartbeatInterval time.Duration
}

// Manager is the public entry point: it creates and cancels tasks, answers
// queries and manages agents on top of the engine.
type Manager struct {
	engine *Engine
	coord  *coordinator.Coordinator
	store  persistence.TaskStore
	clock  func() time.Time

	localAgents       []coordinator.Descriptor
	heartbeatInterval time.Duration

	stopKeepAlive context.CancelFunc
	keepAliveDone sync.WaitGroup
}

// NewManager builds the engine and its facade.
func NewManager(opts ManagerOptions) (*Manager, error) {
	engine, err := NewEngine(opts.Options)
	if err != nil {
		return nil, err
	}
	interval := opts.HeartbeatInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Manager{
		engine:            engine,
		coord:             opts.Coordinator,
		store:             opts.Store,
		clock:             engine.clock,
		localAgents:       opts.LocalAgents,
		heartbeatInterval: interval,
	}, nil
}

// Engine exposes the underlying engine.
func (m *Manager) Engine() *Engine {
	return m.engine
}

// Events returns the bus every TaskEvent is published on.
func (m *Manager) Events() *events.EventBus {
	return m.engine.Bus()
}

// Start recovers state from the store, registers local agents and starts
// the scheduler.
func (m *Manager) Start(ctx context.Context) (RecoveryReport, error) {
	report, err := m.engine.Recover(ctx)
	if err != nil {
		return report, fmt.Errorf("recovering from event log: %w", err)
	}
	for _, d := range m.localAgents {
		if _, err := m.RegisterAgent(ctx, d); err != nil {
			return report, fmt.Errorf("registering local agent %q: %w", d.ID, err)
		}
	}
	if err := m.engine.Start(ctx); err != nil {
		return report, err
	}

	if len(m.localAgents) > 0 {
		keepCtx, cancel := context.WithCancel(ctx)
		m.stopKeepAlive = cancel
		m.keepAliveDone.Add(1)
		go m.keepAlive(keepCtx)
	}
	return report, nil
}

// Stop halts heartbeats and the scheduler.
func (m *Manager) Stop() {
	if m.stopKeepAlive != nil {
		m.stopKeepAlive()
		m.keepAliveDone.Wait()
	}
	m.engine.Stop()
}

// keepAlive heartbeats in-process agents, which have no process of their
// own to do it.
func (m *Manager) keepAlive(ctx context.Context) {
	defer m.keepAliveDone.Done()

	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, d := range m.localAgents {
				if err := m.Heartbeat(ctx, d.ID); err != nil {
					log.Printf("WARNING: heartbeat for local agent %q: %v", d.ID, err)
				}
			}
		}
	}
}

// CreateTask validates and records a new task and returns its id.
// Immediately ready tasks fail with ErrQueueSaturated when the queue is
// full; nothing is recorded in that case and the caller may retry.
func (m *Manager) CreateTask(ctx context.Context, def scheduler.Definition) (string, error) {
	var id string
	err := m.engine.do(ctx, func() error {
		t, err := m.engine.createTask(def, false)
		if err != nil {
			return err
		}
		id = t.ID
		return nil
	})
	return id, err
}

// CancelTask cancels a non-terminal task and blocks its dependents for
// good.
func (m *Manager) CancelTask(ctx context.Context, id string) error {
	return m.engine.do(ctx, func() error {
		return m.engine.cancelTask(id, "cancelled by request")
	})
}

// GetTask returns a copy of the task.
func (m *Manager) GetTask(ctx context.Context, id string) (*scheduler.Task, error) {
	var out *scheduler.Task
	err := m.engine.do(ctx, func() error {
		t, ok := m.engine.tasks[id]
		if !ok {
			return fmt.Errorf("%w: %q", scheduler.ErrTaskNotFound, id)
		}
		out = t.Clone()
		return nil
	})
	return out, err
}

// ListTasks returns copies of the matching tasks ordered by creation time.
func (m *Manager) ListTasks(ctx context.Context, filter Filter) ([]*scheduler.Task, error) {
	var out []*scheduler.Task
	err := m.engine.do(ctx, func() error {
		for _, t := range m.engine.tasks {
			if filter.match(t) {
				out = append(out, t.Clone())
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Queue returns the queued tasks in dequeue order, deferred retries
// included.
func (m *Manager) Queue() []scheduler.ScoredEntry {
	return m.engine.queue.Snapshot(m.clock())
}

// Agents returns every registered agent.
func (m *Manager) Agents() []coordinator.Agent {
	return m.coord.List()
}

// RegisterAgent adds or refreshes an agent and returns its id, generating
// one when the descriptor has none.
func (m *Manager) RegisterAgent(ctx context.Context, d coordinator.Descriptor) (string, error) {
	if d.ID == "" {
		d.ID = newID()
	}
	agent, err := m.coord.Register(d)
	if err != nil {
		return "", err
	}

	now := m.clock()
	rec, err := persistence.AgentRegistered(agent, now)
	if err != nil {
		return "", err
	}
	if _, err := m.store.Append(ctx, rec); err != nil {
		return "", fmt.Errorf("persisting agent %q: %w", agent.ID, err)
	}

	m.engine.bus.Publish(events.TopicAgent, events.AgentEvent{
		AgentID:   agent.ID,
		Status:    agent.Status,
		Task:      agent.CurrentTask,
		Timestamp: now,
	})
	m.engine.poke()
	return agent.ID, nil
}

// DeregisterAgent removes an agent. A task it was running goes back to
// Ready without using up an attempt.
func (m *Manager) DeregisterAgent(ctx context.Context, id string) error {
	return m.engine.do(ctx, func() error {
		e := m.engine
		agent, err := e.coord.Get(id)
		if err != nil {
			return err
		}
		taskID, err := e.coord.Deregister(id)
		if err != nil {
			return err
		}

		now := e.clock()
		if _, err := e.store.Append(context.Background(), persistence.AgentDeregistered(id, now)); err != nil {
			log.Printf("ERROR: recording removal of agent %q: %v", id, err)
		}
		delete(e.agentStatus, id)
		e.bus.Publish(events.TopicAgent, events.AgentEvent{
			AgentID:   id,
			Status:    agent.Status,
			Removed:   true,
			Timestamp: now,
		})

		if taskID != "" {
			e.reclaim(taskID, id, fmt.Sprintf("agent %s deregistered", id))
		}
		return nil
	})
}

// Heartbeat records that the agent is alive now.
func (m *Manager) Heartbeat(ctx context.Context, id string) error {
	return m.HeartbeatAt(ctx, id, m.clock())
}

// HeartbeatAt records a heartbeat sent at the given time. Heartbeats may
// arrive out of order; older ones are ignored.
func (m *Manager) HeartbeatAt(ctx context.Context, id string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.coord.Heartbeat(id, at); err != nil {
		return err
	}
	m.engine.poke()
	return nil
}

// ReportResult delivers the outcome of an attempt run by a remote agent.
func (m *Manager) ReportResult(ctx context.Context, r Result) error {
	if !m.engine.running.Load() {
		return ErrEngineStopped
	}
	select {
	case m.engine.results <- r:
		return nil
	case <-m.engine.done:
		return ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetSystemHealth summarizes queue depth, load, agents and the recent
// failure rate.
func (m *Manager) GetSystemHealth(ctx context.Context) (Health, error) {
	var h Health
	err := m.engine.do(ctx, func() error {
		h = m.engine.systemHealth(m.engine.clock())
		return nil
	})
	return h, err
}

// Wait blocks until every listed task is terminal.
func (m *Manager) Wait(ctx context.Context, ids ...string) error {
	var pending []chan struct{}
	err := m.engine.do(ctx, func() error {
		e := m.engine
		for _, id := range ids {
			if _, ok := e.tasks[id]; !ok {
				return fmt.Errorf("%w: %q", scheduler.ErrTaskNotFound, id)
			}
		}
		for _, id := range ids {
			if e.tasks[id].Status.IsTerminal() {
				continue
			}
			ch := make(chan struct{})
			e.waiters[id] = append(e.waiters[id], ch)
			pending = append(pending, ch)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, ch := range pending {
		select {
		case <-ch:
		case <-m.engine.done:
			return ErrEngineStopped
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// WaitAll blocks until no task is open.
func (m *Manager) WaitAll(ctx context.Context) error {
	var ids []string
	err := m.engine.do(ctx, func() error {
		for id, t := range m.engine.tasks {
			if !t.Status.IsTerminal() {
				ids = append(ids, id)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	if err := m.Wait(ctx, ids...); err != nil {
		return err
	}
	// Completions may have created follow-up tasks.
	return m.WaitAll(ctx)
}
