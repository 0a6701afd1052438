package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deep", "config.yaml")

	if err := Save(DefaultConfig(), path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Fatalf("Config file was not created: %s", path)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := DefaultConfig()
	cfg.Engine.MaxInFlight = 9
	cfg.Engine.BackoffBase = 250 * time.Millisecond
	cfg.Coordinator.Strategy = "round-robin"
	cfg.Quality.FailFast = true
	cfg.Quality.Validators = append(cfg.Quality.Validators, ValidatorConfig{
		ID: "no-todo", Kind: "forbid", Pattern: "TODO", Blocking: false,
	})
	cfg.Agents["coder"] = AgentConfig{
		Backend:      "claude",
		Model:        "sonnet",
		Capabilities: []string{"go", "review"},
		Count:        2,
	}
	cfg.Workflows["standard"] = WorkflowConfig{
		Steps: []WorkflowStepConfig{
			{Category: "feature"},
			{Category: "test", Priority: "high"},
		},
	}

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.Engine.MaxInFlight != 9 {
		t.Errorf("max_in_flight = %d, want 9", loaded.Engine.MaxInFlight)
	}
	if loaded.Engine.BackoffBase != 250*time.Millisecond {
		t.Errorf("backoff_base = %v, want 250ms", loaded.Engine.BackoffBase)
	}
	if loaded.Coordinator.Strategy != "round-robin" {
		t.Errorf("strategy = %q, want round-robin", loaded.Coordinator.Strategy)
	}
	if !loaded.Quality.FailFast {
		t.Error("fail_fast lost in round trip")
	}
	if len(loaded.Quality.Validators) != 2 || loaded.Quality.Validators[1].Pattern != "TODO" {
		t.Errorf("validators mismatch: %+v", loaded.Quality.Validators)
	}
	coder := loaded.Agents["coder"]
	if coder.Model != "sonnet" || coder.Count != 2 || len(coder.Capabilities) != 2 {
		t.Errorf("coder agent mismatch: %+v", coder)
	}
	if steps := loaded.Workflows["standard"].Steps; len(steps) != 2 || steps[1].Priority != "high" {
		t.Errorf("workflow mismatch: %+v", steps)
	}
	if err := loaded.Validate(); err != nil {
		t.Errorf("round-tripped config should validate: %v", err)
	}
}
