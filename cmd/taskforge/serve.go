package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/taskforge/internal/messagebus"
	"github.com/aristath/taskforge/internal/metrics"
	"github.com/aristath/taskforge/internal/orchestrator"
	"github.com/aristath/taskforge/internal/plan"
)

type serveOptions struct {
	remote bool
	watch  string
}

func newServeCmd(g *globalOptions) *cobra.Command {
	o := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine as a long-lived service",
		Long: `Serve runs the engine until interrupted.

With messaging.url set, tasks can be submitted and agents can register and
heartbeat over NATS, and every engine event is streamed to JetStream. With
--remote, tasks are dispatched to NATS agents ("taskforge agent") instead of
the locally configured ones. With metrics.addr set, Prometheus metrics are
served on /metrics and liveness on /healthz. With --watch, plan files
dropped into the directory are submitted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), g, o, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&o.remote, "remote", false, "dispatch to remote agents over NATS")
	cmd.Flags().StringVar(&o.watch, "watch", "", "directory to watch for plan files")
	return cmd
}

func serve(ctx context.Context, g *globalOptions, o *serveOptions, out io.Writer) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var conn *messagebus.Conn
	if cfg.Messaging.URL != "" {
		conn, err = messagebus.Connect(messagebus.ConfigFrom(cfg.Messaging))
		if err != nil {
			return err
		}
		defer conn.Close()
	}

	var dispatcher orchestrator.Dispatcher
	if o.remote {
		if conn == nil {
			return fmt.Errorf("--remote needs messaging.url")
		}
		if dispatcher, err = messagebus.NewRemoteDispatcher(conn); err != nil {
			return err
		}
	}

	e, err := startEngine(ctx, cfg, dispatcher, out)
	if err != nil {
		return err
	}
	defer e.stop(context.Background())

	group, gctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Addr != "" {
		m := metrics.New()
		m.WatchDropped(e.bus)
		group.Go(func() error { return m.Run(gctx, e.bus) })
		group.Go(func() error {
			return m.Serve(gctx, cfg.Metrics.Addr, func(ctx context.Context) error {
				if _, err := e.manager.GetSystemHealth(ctx); err != nil {
					return err
				}
				if conn != nil {
					return conn.Health()
				}
				return nil
			})
		})
		printStatus(out, "✓", "Metrics on "+cfg.Metrics.Addr, color.FgGreen)
	}

	if conn != nil {
		if err := messagebus.NewServer(conn, e.manager).Start(); err != nil {
			return err
		}
		forwarder := messagebus.NewEventForwarder(conn, e.bus)
		group.Go(func() error { return forwarder.Run(gctx) })
		printStatus(out, "✓", "Accepting requests on "+conn.Subjects().API("*"), color.FgGreen)
	}

	if o.watch != "" {
		w, err := plan.NewWatcher(o.watch, e.manager, func(path string, ids []string) {
			printStatus(out, "→", fmt.Sprintf("Submitted %d tasks from %s", len(ids), filepath.Base(path)), color.FgCyan)
		})
		if err != nil {
			return err
		}
		group.Go(func() error { return w.Run(gctx) })
		printStatus(out, "✓", "Watching "+o.watch+" for plans", color.FgGreen)
	}

	printStatus(out, "●", fmt.Sprintf("Serving with %d agents, Ctrl+C to stop", len(e.manager.Agents())), color.FgYellow)
	group.Go(func() error {
		<-gctx.Done()
		return nil
	})
	return group.Wait()
}
