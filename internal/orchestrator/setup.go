package orchestrator

import (
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/aristath/taskforge/internal/backend"
	"github.com/aristath/taskforge/internal/config"
	"github.com/aristath/taskforge/internal/coordinator"
	"github.com/aristath/taskforge/internal/events"
	"github.com/aristath/taskforge/internal/persistence"
	"github.com/aristath/taskforge/internal/quality"
	"github.com/aristath/taskforge/internal/scheduler"
)

// QueueSettings converts the configured queue section.
func QueueSettings(cfg config.QueueConfig) scheduler.QueueConfig {
	return scheduler.QueueConfig{
		Capacity:     cfg.Capacity,
		PriorityStep: cfg.PriorityStep,
		AgeBonusRate: cfg.AgeBonusRate,
		AgeBonusCap:  cfg.AgeBonusCap,
	}
}

// LocalAgents builds one backend per configured agent and binds it to d.
// A pool with Count > 1 yields agents named name-1 ... name-N.
func LocalAgents(agents map[string]config.AgentConfig, d *LocalDispatcher, pm *backend.ProcessManager) ([]coordinator.Descriptor, error) {
	names := make([]string, 0, len(agents))
	for name := range agents {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []coordinator.Descriptor
	for _, name := range names {
		ac := agents[name]
		count := ac.Count
		if count <= 0 {
			count = 1
		}
		for i := 1; i <= count; i++ {
			id := name
			if count > 1 {
				id = fmt.Sprintf("%s-%d", name, i)
			}
			b, err := backend.New(backend.Config{
				Kind:         ac.Backend,
				Command:      ac.Command,
				Args:         ac.Args,
				Model:        ac.Model,
				Provider:     ac.Provider,
				SystemPrompt: ac.SystemPrompt,
				WorkDir:      ac.WorkDir,
			}, pm)
			if err != nil {
				return nil, fmt.Errorf("agent %q: %w", id, err)
			}
			d.Bind(id, b)
			out = append(out, coordinator.Descriptor{ID: id, Capabilities: ac.Capabilities, Kind: b.Kind()})
		}
	}
	return out, nil
}

// Deps are the pieces a Manager needs that do not come from configuration.
type Deps struct {
	Store      persistence.TaskStore
	Bus        *events.EventBus
	Dispatcher Dispatcher // nil runs the configured agents locally
	Processes  *backend.ProcessManager
	Tracer     trace.Tracer
	Clock      func() time.Time
}

// FromConfig builds a Manager for cfg. Configured agents are registered
// locally when deps carries no dispatcher; a remote dispatcher brings its
// own agents.
func FromConfig(cfg *config.Config, deps Deps) (*Manager, error) {
	strategy, err := coordinator.ParseStrategy(cfg.Coordinator.Strategy)
	if err != nil {
		return nil, err
	}
	gateway, err := quality.FromConfig(cfg.Quality, deps.Processes)
	if err != nil {
		return nil, fmt.Errorf("building quality gateway: %w", err)
	}

	var local []coordinator.Descriptor
	dispatcher := deps.Dispatcher
	if dispatcher == nil {
		ld := NewLocalDispatcher()
		local, err = LocalAgents(cfg.Agents, ld, deps.Processes)
		if err != nil {
			return nil, err
		}
		dispatcher = ld
	}

	var workflows *scheduler.WorkflowManager
	if len(cfg.Workflows) > 0 {
		workflows = scheduler.NewWorkflowManager(cfg.Workflows)
	}

	coord := coordinator.New(coordinator.Options{
		Strategy:         strategy,
		HeartbeatTimeout: cfg.Coordinator.HeartbeatTimeout,
		BreakerThreshold: cfg.Coordinator.BreakerThreshold,
		BreakerCooldown:  cfg.Coordinator.BreakerCooldown,
		Clock:            deps.Clock,
	})

	interval := cfg.Coordinator.HeartbeatTimeout / 3
	return NewManager(ManagerOptions{
		Options: Options{
			Config:      cfg.Engine,
			Queue:       QueueSettings(cfg.Queue),
			Coordinator: coord,
			Gateway:     gateway,
			Store:       deps.Store,
			Bus:         deps.Bus,
			Dispatcher:  dispatcher,
			Workflows:   workflows,
			Tracer:      deps.Tracer,
			Clock:       deps.Clock,
		},
		LocalAgents:       local,
		HeartbeatInterval: interval,
	})
}
