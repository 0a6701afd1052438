// Package backend runs task payloads through local agent processes.
package backend

import (
	"context"
	"fmt"
	"time"
)

// Request is one unit of work handed to an agent.
type Request struct {
	TaskID  string
	Payload string
	WorkDir string   // Overrides Config.WorkDir when set
	Env     []string // Extra KEY=VALUE pairs
}

// Response is what the agent produced.
type Response struct {
	Output   string
	ExitCode int
	Duration time.Duration
}

// Backend executes payloads. Implementations must honour ctx cancellation
// by terminating the underlying process.
type Backend interface {
	Execute(ctx context.Context, req Request) (Response, error)

	// Kind names the backend implementation (shell, claude, codex, goose).
	Kind() string
}

// Config defines how an agent process is launched.
type Config struct {
	Kind         string // "shell", "claude", "codex", or "goose"
	Command      string // Binary to run; CLI kinds default to their own name
	Args         []string
	Model        string
	Provider     string // goose only, e.g. "ollama"
	SystemPrompt string
	WorkDir      string
}

// New creates a backend for cfg. pm may be nil.
func New(cfg Config, pm *ProcessManager) (Backend, error) {
	switch cfg.Kind {
	case "shell":
		return NewShell(cfg, pm)
	case "claude", "codex", "goose":
		return NewCLI(cfg, pm)
	default:
		return nil, fmt.Errorf("unknown backend kind: %q", cfg.Kind)
	}
}
