package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/taskforge/internal/persistence"
)

type replayOptions struct {
	taskID string
	after  int64
}

func newReplayCmd(g *globalOptions) *cobra.Command {
	o := &replayOptions{}
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Rebuild task state from the event log and print it",
		Long: `Replay reads the persisted event log without starting the engine and
prints the state it reconstructs. With --task it prints the history of a
single task instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return replay(cmd.Context(), g, o, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&o.taskID, "task", "", "print the history of one task")
	cmd.Flags().Int64Var(&o.after, "after", 0, "only print log records after this sequence number")
	return cmd
}

func replay(ctx context.Context, g *globalOptions, o *replayOptions, out io.Writer) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	store, err := persistence.Open(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	recs, err := store.Events(ctx, 0)
	if err != nil {
		return err
	}
	state, err := persistence.Replay(recs)
	if err != nil {
		return err
	}

	if o.taskID != "" {
		task, ok := state.Tasks[o.taskID]
		if !ok {
			return fmt.Errorf("task %q not in the log", o.taskID)
		}
		fmt.Fprintf(out, "%s  %s  (attempt %d/%d)\n", task.ID, task.Title, task.Attempt, task.MaxAttempts)
		for _, tr := range task.History {
			line := fmt.Sprintf("%s  %s -> %s", tr.At.Format(time.RFC3339), tr.From, tr.To)
			if tr.Reason != "" {
				line += "  " + tr.Reason
			}
			printStatus(out, statusSymbol(tr.To), line, statusColor(tr.To))
		}
		if task.FailureReason != "" {
			fmt.Fprintf(out, "failure: %s\n", task.FailureReason)
		}
		return nil
	}

	if o.after > 0 {
		for _, rec := range recs {
			if rec.Seq <= o.after {
				continue
			}
			subject := rec.TaskID
			if subject == "" {
				subject = rec.AgentID
			}
			fmt.Fprintf(out, "%6d  %s  %-18s %-12s %s -> %s\n",
				rec.Seq, rec.At.Format(time.RFC3339), rec.Kind, subject, rec.From, rec.To)
		}
		return nil
	}

	for _, task := range state.TaskList() {
		printStatus(out, statusSymbol(task.Status),
			fmt.Sprintf("%-12s %-22s %s", task.ID, task.Status, task.Title), statusColor(task.Status))
	}
	agents := state.AgentList()
	if len(agents) > 0 {
		fmt.Fprintf(out, "\n%d agents:\n", len(agents))
		for _, a := range agents {
			fmt.Fprintf(out, "  %-12s %s\n", a.ID, a.Status)
		}
	}
	fmt.Fprintf(out, "\n%d records, last sequence %d\n", len(recs), state.LastSeq)
	return nil
}
