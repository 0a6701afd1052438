package config

import "time"

// EngineConfig tunes the scheduler loop.
type EngineConfig struct {
	MaxInFlight  int           `mapstructure:"max_in_flight"`  // Concurrent assigned/executing/validating tasks
	MaxAttempts  int           `mapstructure:"max_attempts"`   // Default execution budget per task
	TaskTimeout  time.Duration `mapstructure:"task_timeout"`   // Deadline for one execution
	BackoffBase  time.Duration `mapstructure:"backoff_base"`   // Retry delay is base * 2^attempt
	BackoffMax   time.Duration `mapstructure:"backoff_max"`    // Cap on the retry delay
	TickInterval time.Duration `mapstructure:"tick_interval"`  // Sweep cadence for deadlines and liveness
	MaxQueueWait time.Duration `mapstructure:"max_queue_wait"` // 0 disables the queue wait limit
	HealthWindow time.Duration `mapstructure:"health_window"`  // Window for the recent failure rate
}

// QueueConfig tunes priority aging and admission.
type QueueConfig struct {
	Capacity     int     `mapstructure:"capacity"`
	PriorityStep float64 `mapstructure:"priority_step"`
	AgeBonusRate float64 `mapstructure:"age_bonus_rate"` // Score per second of waiting
	AgeBonusCap  float64 `mapstructure:"age_bonus_cap"`
}

// CoordinatorConfig tunes agent selection and liveness.
type CoordinatorConfig struct {
	Strategy         string        `mapstructure:"strategy"` // round-robin, least-recently-used, performance-weighted
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"` // Consecutive failures before an agent is skipped
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
}

// ValidatorConfig declares one quality gate validator.
type ValidatorConfig struct {
	ID       string        `mapstructure:"id"`
	Kind     string        `mapstructure:"kind"` // nonempty, forbid, require, command
	Blocking bool          `mapstructure:"blocking"`
	Pattern  string        `mapstructure:"pattern,omitempty"`
	Command  string        `mapstructure:"command,omitempty"`
	Args     []string      `mapstructure:"args,omitempty"`
	Timeout  time.Duration `mapstructure:"timeout,omitempty"`
}

// QualityConfig configures the validator chain.
type QualityConfig struct {
	FailFast   bool              `mapstructure:"fail_fast"`
	Parallel   bool              `mapstructure:"parallel"`
	Validators []ValidatorConfig `mapstructure:"validators"`
}

// StoreConfig selects the event log backend.
type StoreConfig struct {
	Driver string `mapstructure:"driver"` // sqlite, postgres, memory
	Path   string `mapstructure:"path"`   // SQLite file
	DSN    string `mapstructure:"dsn"`    // Postgres connection string
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"` // Empty disables the listener
}

// MessagingConfig configures the NATS bindings.
type MessagingConfig struct {
	URL           string `mapstructure:"url"` // Empty disables NATS
	Stream        string `mapstructure:"stream"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// TelemetryConfig configures OpenTelemetry tracing.
type TelemetryConfig struct {
	Endpoint    string `mapstructure:"endpoint"` // OTLP gRPC endpoint; empty disables export
	ServiceName string `mapstructure:"service_name"`
}

// AgentConfig defines a pool of local agents sharing one backend.
type AgentConfig struct {
	Backend      string   `mapstructure:"backend"` // shell, claude, codex, goose
	Command      string   `mapstructure:"command,omitempty"`
	Args         []string `mapstructure:"args,omitempty"`
	Model        string   `mapstructure:"model,omitempty"`
	Provider     string   `mapstructure:"provider,omitempty"` // goose only
	SystemPrompt string   `mapstructure:"system_prompt,omitempty"`
	WorkDir      string   `mapstructure:"work_dir,omitempty"`
	Capabilities []string `mapstructure:"capabilities"`
	Count        int      `mapstructure:"count"` // Number of agents to register, default 1
}

// WorkflowStepConfig defines one step in a follow-up chain.
type WorkflowStepConfig struct {
	Category     string   `mapstructure:"category"`
	Title        string   `mapstructure:"title,omitempty"`
	Priority     string   `mapstructure:"priority,omitempty"`
	Payload      string   `mapstructure:"payload,omitempty"`
	Capabilities []string `mapstructure:"capabilities,omitempty"`
	MaxAttempts  int      `mapstructure:"max_attempts,omitempty"`
}

// WorkflowConfig defines a chain of task categories (e.g. feature -> test -> docs).
type WorkflowConfig struct {
	Steps []WorkflowStepConfig `mapstructure:"steps"`
}

// Config is the top-level configuration.
type Config struct {
	Engine      EngineConfig              `mapstructure:"engine"`
	Queue       QueueConfig               `mapstructure:"queue"`
	Coordinator CoordinatorConfig         `mapstructure:"coordinator"`
	Quality     QualityConfig             `mapstructure:"quality"`
	Store       StoreConfig               `mapstructure:"store"`
	Metrics     MetricsConfig             `mapstructure:"metrics"`
	Messaging   MessagingConfig           `mapstructure:"messaging"`
	Telemetry   TelemetryConfig           `mapstructure:"telemetry"`
	Agents      map[string]AgentConfig    `mapstructure:"agents"`
	Workflows   map[string]WorkflowConfig `mapstructure:"workflows"`
}
