package main

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/huh"

	"github.com/aristath/taskforge/internal/config"
)

// settingsForm asks for the settings that usually differ between machines.
// Answers are bound to the string fields and copied into a Config by apply.
type settingsForm struct {
	form *huh.Form

	target      string
	driver      string
	path        string
	dsn         string
	natsURL     string
	metricsAddr string
	maxInFlight string
}

func newSettingsForm(cfg *config.Config) *settingsForm {
	s := &settingsForm{
		target:      "project",
		driver:      cfg.Store.Driver,
		path:        cfg.Store.Path,
		dsn:         cfg.Store.DSN,
		natsURL:     cfg.Messaging.URL,
		metricsAddr: cfg.Metrics.Addr,
		maxInFlight: strconv.Itoa(cfg.Engine.MaxInFlight),
	}

	s.form = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Key("target").
				Title("Save To").
				Options(
					huh.NewOption("Global (~/.taskforge/config.yaml)", "global"),
					huh.NewOption("Project (.taskforge/config.yaml)", "project"),
				).
				Value(&s.target),
		).Title("Save Target"),

		huh.NewGroup(
			huh.NewSelect[string]().
				Key("driver").
				Title("Store Driver").
				Options(huh.NewOptions("sqlite", "postgres", "memory")...).
				Value(&s.driver),

			huh.NewInput().
				Key("path").
				Title("SQLite Path").
				Value(&s.path).
				Placeholder(".taskforge/taskforge.db"),

			huh.NewInput().
				Key("dsn").
				Title("Postgres DSN").
				Value(&s.dsn).
				Placeholder("postgres://localhost/taskforge?sslmode=disable"),
		).Title("Event Log"),

		huh.NewGroup(
			huh.NewInput().
				Key("maxInFlight").
				Title("Max Tasks In Flight").
				Value(&s.maxInFlight).
				Validate(validPositive),

			huh.NewInput().
				Key("natsURL").
				Title("NATS URL").
				Value(&s.natsURL).
				Placeholder("nats://127.0.0.1:4222"),

			huh.NewInput().
				Key("metricsAddr").
				Title("Metrics Address").
				Value(&s.metricsAddr).
				Placeholder(":9090"),
		).Title("Engine"),
	)
	return s
}

func validPositive(v string) error {
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return fmt.Errorf("must be a positive number")
	}
	return nil
}

// apply copies the answers into cfg.
func (s *settingsForm) apply(cfg *config.Config) error {
	if err := validPositive(s.maxInFlight); err != nil {
		return fmt.Errorf("max in flight: %w", err)
	}
	n, _ := strconv.Atoi(s.maxInFlight)
	cfg.Engine.MaxInFlight = n
	cfg.Store.Driver = s.driver
	cfg.Store.Path = s.path
	cfg.Store.DSN = s.dsn
	cfg.Messaging.URL = s.natsURL
	cfg.Metrics.Addr = s.metricsAddr
	return cfg.Validate()
}

// savePath resolves the chosen target.
func (s *settingsForm) savePath(g *globalOptions) (string, error) {
	if s.target == "global" {
		globalPath, _, err := config.DefaultPaths()
		return globalPath, err
	}
	return g.projectPath()
}
