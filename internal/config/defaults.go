package config

import "time"

// DefaultConfig returns the built-in configuration: a local SQLite event log,
// one echo agent, and a single blocking validator rejecting empty output.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxInFlight:  4,
			MaxAttempts:  3,
			TaskTimeout:  10 * time.Minute,
			BackoffBase:  time.Second,
			BackoffMax:   time.Minute,
			TickInterval: 250 * time.Millisecond,
			MaxQueueWait: 0,
			HealthWindow: 5 * time.Minute,
		},
		Queue: QueueConfig{
			Capacity:     1000,
			PriorityStep: 100,
			AgeBonusRate: 1,
			AgeBonusCap:  300,
		},
		Coordinator: CoordinatorConfig{
			Strategy:         "performance-weighted",
			HeartbeatTimeout: 30 * time.Second,
			BreakerThreshold: 5,
			BreakerCooldown:  30 * time.Second,
		},
		Quality: QualityConfig{
			Validators: []ValidatorConfig{
				{ID: "nonempty", Kind: "nonempty", Blocking: true},
			},
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   ".taskforge/taskforge.db",
		},
		Messaging: MessagingConfig{
			Stream:        "TASKFORGE",
			SubjectPrefix: "taskforge",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "taskforge",
		},
		Agents: map[string]AgentConfig{
			"echo": {
				Backend:      "shell",
				Command:      "cat",
				Capabilities: []string{"general"},
				Count:        1,
			},
		},
		Workflows: map[string]WorkflowConfig{},
	}
}
