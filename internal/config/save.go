package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Save persists the configuration as YAML.
// Creates parent directories if they don't exist.
func Save(cfg *Config, path string) error {
	data, err := cfg.Marshal()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Marshal renders the configuration in the same YAML layout Load reads.
func (c *Config) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c.Settings())
	if err != nil {
		return nil, fmt.Errorf("marshaling config: %w", err)
	}
	return data, nil
}

// Settings returns the configuration as a nested map keyed like the config
// file, with durations rendered as strings ("30s").
func (c *Config) Settings() map[string]any {
	agents := make(map[string]any, len(c.Agents))
	for name, a := range c.Agents {
		agents[name] = map[string]any{
			"backend":       a.Backend,
			"command":       a.Command,
			"args":          a.Args,
			"model":         a.Model,
			"provider":      a.Provider,
			"system_prompt": a.SystemPrompt,
			"work_dir":      a.WorkDir,
			"capabilities":  a.Capabilities,
			"count":         a.Count,
		}
	}

	workflows := make(map[string]any, len(c.Workflows))
	for name, w := range c.Workflows {
		steps := make([]map[string]any, 0, len(w.Steps))
		for _, s := range w.Steps {
			steps = append(steps, map[string]any{
				"category":     s.Category,
				"title":        s.Title,
				"priority":     s.Priority,
				"payload":      s.Payload,
				"capabilities": s.Capabilities,
				"max_attempts": s.MaxAttempts,
			})
		}
		workflows[name] = map[string]any{"steps": steps}
	}

	validators := make([]map[string]any, 0, len(c.Quality.Validators))
	for _, v := range c.Quality.Validators {
		validators = append(validators, map[string]any{
			"id":       v.ID,
			"kind":     v.Kind,
			"blocking": v.Blocking,
			"pattern":  v.Pattern,
			"command":  v.Command,
			"args":     v.Args,
			"timeout":  duration(v.Timeout),
		})
	}

	return map[string]any{
		"engine": map[string]any{
			"max_in_flight":  c.Engine.MaxInFlight,
			"max_attempts":   c.Engine.MaxAttempts,
			"task_timeout":   duration(c.Engine.TaskTimeout),
			"backoff_base":   duration(c.Engine.BackoffBase),
			"backoff_max":    duration(c.Engine.BackoffMax),
			"tick_interval":  duration(c.Engine.TickInterval),
			"max_queue_wait": duration(c.Engine.MaxQueueWait),
			"health_window":  duration(c.Engine.HealthWindow),
		},
		"queue": map[string]any{
			"capacity":       c.Queue.Capacity,
			"priority_step":  c.Queue.PriorityStep,
			"age_bonus_rate": c.Queue.AgeBonusRate,
			"age_bonus_cap":  c.Queue.AgeBonusCap,
		},
		"coordinator": map[string]any{
			"strategy":          c.Coordinator.Strategy,
			"heartbeat_timeout": duration(c.Coordinator.HeartbeatTimeout),
			"breaker_threshold": c.Coordinator.BreakerThreshold,
			"breaker_cooldown":  duration(c.Coordinator.BreakerCooldown),
		},
		"quality": map[string]any{
			"fail_fast":  c.Quality.FailFast,
			"parallel":   c.Quality.Parallel,
			"validators": validators,
		},
		"store": map[string]any{
			"driver": c.Store.Driver,
			"path":   c.Store.Path,
			"dsn":    c.Store.DSN,
		},
		"metrics": map[string]any{
			"addr": c.Metrics.Addr,
		},
		"messaging": map[string]any{
			"url":            c.Messaging.URL,
			"stream":         c.Messaging.Stream,
			"subject_prefix": c.Messaging.SubjectPrefix,
		},
		"telemetry": map[string]any{
			"endpoint":     c.Telemetry.Endpoint,
			"service_name": c.Telemetry.ServiceName,
		},
		"agents":    agents,
		"workflows": workflows,
	}
}

func duration(d time.Duration) string {
	return d.String()
}
