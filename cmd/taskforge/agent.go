package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/aristath/taskforge/internal/backend"
	"github.com/aristath/taskforge/internal/coordinator"
	"github.com/aristath/taskforge/internal/messagebus"
)

type agentOptions struct {
	id string
}

func newAgentCmd(g *globalOptions) *cobra.Command {
	o := &agentOptions{}
	cmd := &cobra.Command{
		Use:   "agent NAME",
		Short: "Run a configured agent as a remote worker over NATS",
		Long: `Agent runs the agent NAME from the configuration in this process. It
registers with a "taskforge serve --remote" engine over NATS, heartbeats,
executes the tasks assigned to it and reports the results. On interrupt it
stops running attempts and deregisters.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context(), g, o, args[0], cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&o.id, "id", "", "agent id (default NAME)")
	return cmd
}

func runAgent(ctx context.Context, g *globalOptions, o *agentOptions, name string, out io.Writer) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	ac, ok := cfg.Agents[name]
	if !ok {
		return fmt.Errorf("no agent %q in configuration", name)
	}
	if cfg.Messaging.URL == "" {
		return fmt.Errorf("agent needs messaging.url")
	}

	pm := backend.NewProcessManager()
	defer func() {
		if err := pm.KillAll(); err != nil {
			log.Printf("WARNING: killing agent processes: %v", err)
		}
	}()
	b, err := backend.New(backend.Config{
		Kind:         ac.Backend,
		Command:      ac.Command,
		Args:         ac.Args,
		Model:        ac.Model,
		Provider:     ac.Provider,
		SystemPrompt: ac.SystemPrompt,
		WorkDir:      ac.WorkDir,
	}, pm)
	if err != nil {
		return err
	}

	conn, err := messagebus.Connect(messagebus.ConfigFrom(cfg.Messaging))
	if err != nil {
		return err
	}
	defer conn.Close()

	id := o.id
	if id == "" {
		id = name
	}
	w, err := messagebus.NewWorker(conn, messagebus.WorkerOptions{
		Descriptor:        coordinator.Descriptor{ID: id, Capabilities: ac.Capabilities},
		Backend:           b,
		HeartbeatInterval: cfg.Coordinator.HeartbeatTimeout / 3,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	printStatus(out, "●", fmt.Sprintf("Agent %s (%s) serving, Ctrl+C to stop", w.ID(), b.Kind()), color.FgYellow)
	return w.Run(ctx)
}
