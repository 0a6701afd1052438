package main

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/aristath/taskforge/internal/messagebus"
	"github.com/aristath/taskforge/internal/plan"
)

func newSubmitCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "submit PLAN...",
		Short: "Submit plan files to a running engine over NATS",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return submitPlans(cmd.Context(), g, args, cmd.OutOrStdout())
		},
	}
}

func submitPlans(ctx context.Context, g *globalOptions, paths []string, out io.Writer) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	if cfg.Messaging.URL == "" {
		return fmt.Errorf("submit needs messaging.url")
	}

	plans := make([]*plan.Plan, 0, len(paths))
	for _, path := range paths {
		p, err := plan.Load(path)
		if err != nil {
			return err
		}
		plans = append(plans, p)
	}

	conn, err := messagebus.Connect(messagebus.ConfigFrom(cfg.Messaging))
	if err != nil {
		return err
	}
	defer conn.Close()
	client := messagebus.NewClient(conn)

	for i, p := range plans {
		ids, err := plan.Submit(ctx, client, p)
		if err != nil {
			printStatus(out, "✗", fmt.Sprintf("%s: %v", paths[i], err), color.FgRed)
			return err
		}
		printStatus(out, "✓", fmt.Sprintf("%s: submitted %d tasks", paths[i], len(ids)), color.FgGreen)
	}

	health, err := client.Health(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "queue %d, in flight %d, backlog %d, agents %d idle / %d busy / %d offline\n",
		health.QueueDepth, health.InFlight, health.Backlog,
		health.AgentCounts.Idle, health.AgentCounts.Busy, health.AgentCounts.Offline)
	return nil
}

func newStatusCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status [TASK]",
		Short: "Show engine health, or one task, from a running engine over NATS",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return status(cmd.Context(), g, args, cmd.OutOrStdout())
		},
	}
}

func status(ctx context.Context, g *globalOptions, args []string, out io.Writer) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	if cfg.Messaging.URL == "" {
		return fmt.Errorf("status needs messaging.url")
	}
	conn, err := messagebus.Connect(messagebus.ConfigFrom(cfg.Messaging))
	if err != nil {
		return err
	}
	defer conn.Close()
	client := messagebus.NewClient(conn)

	if len(args) == 1 {
		task, err := client.GetTask(ctx, args[0])
		if err != nil {
			return err
		}
		printStatus(out, statusSymbol(task.Status),
			fmt.Sprintf("%s  %s  %s (attempt %d/%d)", task.ID, task.Status, task.Title, task.Attempt, task.MaxAttempts),
			statusColor(task.Status))
		if task.FailureReason != "" {
			fmt.Fprintf(out, "failure: %s\n", task.FailureReason)
		}
		return nil
	}

	health, err := client.Health(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "queue %d, in flight %d, backlog %d, failure rate %.0f%%\n",
		health.QueueDepth, health.InFlight, health.Backlog, health.RecentFailureRate*100)
	fmt.Fprintf(out, "agents %d idle / %d busy / %d offline\n",
		health.AgentCounts.Idle, health.AgentCounts.Busy, health.AgentCounts.Offline)
	for _, s := range slices.Sorted(maps.Keys(health.TasksByStatus)) {
		fmt.Fprintf(out, "  %-22s %d\n", s, health.TasksByStatus[s])
	}
	return nil
}
