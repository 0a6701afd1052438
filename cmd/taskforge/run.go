package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/aristath/taskforge/internal/events"
	"github.com/aristath/taskforge/internal/orchestrator"
	"github.com/aristath/taskforge/internal/plan"
	"github.com/aristath/taskforge/internal/scheduler"
	"github.com/aristath/taskforge/internal/tui"
)

type runOptions struct {
	plan string
	tui  bool
}

func newRunCmd(g *globalOptions) *cobra.Command {
	o := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run --plan FILE",
		Short: "Run a plan to completion with local agents",
		Long: `Run loads a plan file, executes every task on the locally configured
agents and exits once all tasks (including workflow follow-ups) have
finished. The exit status is non-zero if any task did not complete.

Tasks left open by an interrupted earlier run are recovered from the event
log and finished too.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(cmd.Context(), g, o, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&o.plan, "plan", "", "plan file (YAML)")
	cmd.Flags().BoolVar(&o.tui, "tui", false, "show the live dashboard")
	_ = cmd.MarkFlagRequired("plan")
	return cmd
}

func runPlan(ctx context.Context, g *globalOptions, o *runOptions, out io.Writer) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	p, err := plan.Load(o.plan)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := startEngine(ctx, cfg, nil, out)
	if err != nil {
		return err
	}
	defer e.stop(context.Background())

	if o.tui {
		return runDashboard(ctx, e, p)
	}

	sub := e.bus.Subscribe(events.TopicTask, 1024)
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for ev := range sub {
			if te, ok := ev.(events.TaskEvent); ok {
				printTransition(out, te)
			}
		}
	}()

	started := time.Now()
	ids, err := plan.Submit(ctx, e.manager, p)
	if err != nil {
		e.bus.Unsubscribe(sub)
		<-printed
		return err
	}
	printStatus(out, "→", fmt.Sprintf("Submitted %d tasks from %s", len(ids), o.plan), color.FgCyan)

	waitErr := e.manager.WaitAll(ctx)
	e.bus.Unsubscribe(sub)
	<-printed
	if waitErr != nil {
		return waitErr
	}
	return summarize(ctx, e.manager, out, started)
}

func printTransition(w io.Writer, ev events.TaskEvent) {
	msg := fmt.Sprintf("%s: %s -> %s", ev.ID, ev.From, ev.To)
	if ev.AgentID != "" && ev.To == scheduler.StatusAssigned {
		msg += " (" + ev.AgentID + ")"
	}
	if ev.Reason != "" {
		msg += ": " + ev.Reason
	}
	printStatus(w, statusSymbol(ev.To), msg, statusColor(ev.To))
}

// summarize prints the tasks created since started and fails if any of
// them did not complete.
func summarize(ctx context.Context, m *orchestrator.Manager, out io.Writer, started time.Time) error {
	all, err := m.ListTasks(ctx, orchestrator.Filter{})
	if err != nil {
		return err
	}
	var tasks []*scheduler.Task
	for _, t := range all {
		if !t.CreatedAt.Before(started) {
			tasks = append(tasks, t)
		}
	}

	fmt.Fprintln(out)
	incomplete := 0
	for _, t := range tasks {
		line := fmt.Sprintf("%-36s %-20s %s", t.ID, t.Status, t.Title)
		if t.FailureReason != "" {
			line += " (" + t.FailureReason + ")"
		}
		printStatus(out, statusSymbol(t.Status), line, statusColor(t.Status))
		if t.Status != scheduler.StatusCompleted {
			incomplete++
		}
	}
	if incomplete > 0 {
		return fmt.Errorf("%d of %d tasks did not complete", incomplete, len(tasks))
	}
	printStatus(out, "✓", fmt.Sprintf("All %d tasks completed", len(tasks)), color.FgGreen)
	return nil
}

// runDashboard submits the plan behind the TUI and keeps the dashboard up
// until the user quits.
func runDashboard(ctx context.Context, e *engine, p *plan.Plan) error {
	model := tui.New(e.bus, e.manager)
	prog := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))

	go func() {
		if _, err := plan.Submit(ctx, e.manager, p); err != nil {
			prog.Send(tui.StatusMsg("submitting plan: " + err.Error()))
			return
		}
		if err := e.manager.WaitAll(ctx); err != nil {
			return
		}
		prog.Send(tui.StatusMsg("all tasks finished, press q to exit"))
	}()

	if _, err := prog.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return err
	}
	return nil
}
