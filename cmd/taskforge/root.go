package main

import (
	"context"
	"fmt"
	"io"
	"log"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/aristath/taskforge/internal/backend"
	"github.com/aristath/taskforge/internal/config"
	"github.com/aristath/taskforge/internal/events"
	"github.com/aristath/taskforge/internal/orchestrator"
	"github.com/aristath/taskforge/internal/persistence"
	"github.com/aristath/taskforge/internal/scheduler"
	"github.com/aristath/taskforge/internal/telemetry"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string // project config; empty uses .taskforge/config.yaml
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "taskforge",
		Short: "Autonomous task orchestration engine",
		Long: `Taskforge accepts tasks, resolves their dependencies, schedules them by
priority without starving low-priority work, assigns them to capable agents,
supervises execution with timeouts and retries, and gates completion behind
a validation pipeline.

Configuration is read from ~/.taskforge/config.yaml, then
.taskforge/config.yaml, then TASKFORGE_* environment variables.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "project config file (default .taskforge/config.yaml)")

	root.AddCommand(
		newRunCmd(opts),
		newServeCmd(opts),
		newAgentCmd(opts),
		newSubmitCmd(opts),
		newStatusCmd(opts),
		newReplayCmd(opts),
		newConfigCmd(opts),
	)
	return root
}

// load reads and validates the configuration.
func (o *globalOptions) load() (*config.Config, error) {
	globalPath, projectPath, err := config.DefaultPaths()
	if err != nil {
		return nil, err
	}
	if o.configPath != "" {
		projectPath = o.configPath
	}
	cfg, err := config.Load(globalPath, projectPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (o *globalOptions) projectPath() (string, error) {
	if o.configPath != "" {
		return o.configPath, nil
	}
	_, projectPath, err := config.DefaultPaths()
	return projectPath, err
}

// engine bundles a started manager with everything that has to be torn
// down after it.
type engine struct {
	manager *orchestrator.Manager
	bus     *events.EventBus
	store   *persistence.SQLStore
	tel     *telemetry.Telemetry
	procs   *backend.ProcessManager
}

// startEngine opens the store and tracing and starts a manager. A nil
// dispatcher runs the configured agents in-process.
func startEngine(ctx context.Context, cfg *config.Config, dispatcher orchestrator.Dispatcher, out io.Writer) (*engine, error) {
	store, err := persistence.Open(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	tel, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		store.Close()
		return nil, err
	}

	e := &engine{
		bus:   events.NewEventBus(),
		store: store,
		tel:   tel,
		procs: backend.NewProcessManager(),
	}
	e.manager, err = orchestrator.FromConfig(cfg, orchestrator.Deps{
		Store:      store,
		Bus:        e.bus,
		Dispatcher: dispatcher,
		Processes:  e.procs,
		Tracer:     tel.Tracer(),
	})
	if err != nil {
		e.close()
		return nil, err
	}

	report, err := e.manager.Start(ctx)
	if err != nil {
		e.close()
		return nil, err
	}
	if report.Tasks > 0 {
		printStatus(out, "↻", fmt.Sprintf("Recovered %d tasks (%d open, %d interrupted) and %d agents",
			report.Tasks, report.Open, report.Interrupted, report.Agents), color.FgCyan)
	}
	return e, nil
}

// stop halts the manager, kills leftover agent processes and closes the
// store.
func (e *engine) stop(ctx context.Context) {
	e.manager.Stop()
	e.close()
	if err := e.tel.Shutdown(ctx); err != nil {
		log.Printf("WARNING: %v", err)
	}
}

func (e *engine) close() {
	if err := e.procs.KillAll(); err != nil {
		log.Printf("WARNING: killing agent processes: %v", err)
	}
	e.bus.Close()
	e.store.Close()
}

// printStatus prints a colored symbol followed by a message.
func printStatus(w io.Writer, symbol, message string, attr color.Attribute) {
	c := color.New(attr)
	fmt.Fprintf(w, "%s %s\n", c.Sprint(symbol), message)
}

// statusColor picks the color a task status is printed in.
func statusColor(s scheduler.Status) color.Attribute {
	switch s {
	case scheduler.StatusCompleted:
		return color.FgGreen
	case scheduler.StatusFailed, scheduler.StatusBlockedPermanently, scheduler.StatusCancelled:
		return color.FgRed
	case scheduler.StatusAssigned, scheduler.StatusExecuting, scheduler.StatusValidating:
		return color.FgYellow
	default:
		return color.FgCyan
	}
}

func statusSymbol(s scheduler.Status) string {
	switch s {
	case scheduler.StatusCompleted:
		return "✓"
	case scheduler.StatusFailed, scheduler.StatusBlockedPermanently:
		return "✗"
	case scheduler.StatusCancelled:
		return "-"
	case scheduler.StatusAssigned, scheduler.StatusExecuting, scheduler.StatusValidating:
		return "●"
	default:
		return "○"
	}
}
