package config

import (
	"errors"
	"fmt"
	"regexp"
)

var (
	validStrategies = map[string]bool{"round-robin": true, "least-recently-used": true, "performance-weighted": true}
	validDrivers    = map[string]bool{"sqlite": true, "postgres": true, "memory": true}
	validBackends   = map[string]bool{"shell": true, "claude": true, "codex": true, "goose": true}
	validValidators = map[string]bool{"nonempty": true, "forbid": true, "require": true, "command": true}
)

// urgentSpread is the weight distance between the lowest and highest
// priority levels, in units of the priority step.
const urgentSpread = 3

// Validate checks every bound the engine relies on. Called once at startup.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	e := c.Engine
	check(e.MaxInFlight >= 1, "engine.max_in_flight must be at least 1, got %d", e.MaxInFlight)
	check(e.MaxAttempts >= 1, "engine.max_attempts must be at least 1, got %d", e.MaxAttempts)
	check(e.TaskTimeout > 0, "engine.task_timeout must be positive")
	check(e.BackoffBase > 0, "engine.backoff_base must be positive")
	check(e.BackoffMax >= e.BackoffBase, "engine.backoff_max must not be below engine.backoff_base")
	check(e.TickInterval > 0, "engine.tick_interval must be positive")
	check(e.MaxQueueWait >= 0, "engine.max_queue_wait must not be negative")
	check(e.HealthWindow > 0, "engine.health_window must be positive")

	q := c.Queue
	check(q.Capacity >= 0, "queue.capacity must not be negative")
	check(q.PriorityStep > 0, "queue.priority_step must be positive")
	check(q.AgeBonusRate > 0, "queue.age_bonus_rate must be positive")
	check(q.AgeBonusCap >= urgentSpread*q.PriorityStep,
		"queue.age_bonus_cap (%v) must be at least 3 * queue.priority_step (%v) so low priority work cannot starve",
		q.AgeBonusCap, urgentSpread*q.PriorityStep)

	co := c.Coordinator
	check(validStrategies[co.Strategy], "coordinator.strategy %q is not one of round-robin, least-recently-used, performance-weighted", co.Strategy)
	check(co.HeartbeatTimeout > 0, "coordinator.heartbeat_timeout must be positive")
	check(co.BreakerThreshold >= 1, "coordinator.breaker_threshold must be at least 1")
	check(co.BreakerCooldown > 0, "coordinator.breaker_cooldown must be positive")

	check(validDrivers[c.Store.Driver], "store.driver %q is not one of sqlite, postgres, memory", c.Store.Driver)
	if c.Store.Driver == "sqlite" {
		check(c.Store.Path != "", "store.path is required for the sqlite driver")
	}
	if c.Store.Driver == "postgres" {
		check(c.Store.DSN != "", "store.dsn is required for the postgres driver")
	}

	seen := make(map[string]bool)
	for i, v := range c.Quality.Validators {
		check(v.ID != "", "quality.validators[%d].id is required", i)
		check(!seen[v.ID], "quality.validators[%d].id %q is duplicated", i, v.ID)
		seen[v.ID] = true
		check(validValidators[v.Kind], "quality.validators[%d].kind %q is unknown", i, v.Kind)
		switch v.Kind {
		case "forbid", "require":
			_, err := regexp.Compile(v.Pattern)
			check(v.Pattern != "" && err == nil, "quality.validators[%d].pattern must be a valid regular expression", i)
		case "command":
			check(v.Command != "", "quality.validators[%d].command is required", i)
		}
	}

	for name, a := range c.Agents {
		check(validBackends[a.Backend], "agents.%s.backend %q is not one of shell, claude, codex, goose", name, a.Backend)
		check(a.Backend != "shell" || a.Command != "", "agents.%s.command is required for the shell backend", name)
		check(a.Count >= 0, "agents.%s.count must not be negative", name)
	}

	for name, w := range c.Workflows {
		check(len(w.Steps) >= 2, "workflows.%s needs at least two steps", name)
		for i, s := range w.Steps {
			check(s.Category != "", "workflows.%s.steps[%d].category is required", name, i)
		}
	}

	return errors.Join(errs...)
}
