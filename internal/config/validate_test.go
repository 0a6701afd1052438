package config

import (
	"strings"
	"testing"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*Config)
		errContains string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{
			name:        "zero in-flight",
			mutate:      func(c *Config) { c.Engine.MaxInFlight = 0 },
			errContains: "max_in_flight",
		},
		{
			name:        "age cap below priority spread",
			mutate:      func(c *Config) { c.Queue.AgeBonusCap = 200 },
			errContains: "age_bonus_cap",
		},
		{
			name:        "unknown strategy",
			mutate:      func(c *Config) { c.Coordinator.Strategy = "random" },
			errContains: "strategy",
		},
		{
			name:        "postgres without dsn",
			mutate:      func(c *Config) { c.Store.Driver = "postgres" },
			errContains: "store.dsn",
		},
		{
			name: "bad validator pattern",
			mutate: func(c *Config) {
				c.Quality.Validators = append(c.Quality.Validators, ValidatorConfig{ID: "x", Kind: "forbid", Pattern: "("})
			},
			errContains: "pattern",
		},
		{
			name: "shell agent without command",
			mutate: func(c *Config) {
				c.Agents["broken"] = AgentConfig{Backend: "shell"}
			},
			errContains: "agents.broken.command",
		},
		{
			name: "single step workflow",
			mutate: func(c *Config) {
				c.Workflows["short"] = WorkflowConfig{Steps: []WorkflowStepConfig{{Category: "feature"}}}
			},
			errContains: "workflows.short",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()

			if tt.errContains == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.errContains)
			}
			if !strings.Contains(err.Error(), tt.errContains) {
				t.Errorf("error %q does not contain %q", err.Error(), tt.errContains)
			}
		})
	}
}
