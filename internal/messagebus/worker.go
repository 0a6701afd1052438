package messagebus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/aristath/taskforge/internal/backend"
	"github.com/aristath/taskforge/internal/coordinator"
	"github.com/aristath/taskforge/internal/orchestrator"
)

// WorkerOptions configures a remote agent process.
type WorkerOptions struct {
	Descriptor        coordinator.Descriptor // ID is generated when empty
	Backend           backend.Backend
	HeartbeatInterval time.Duration
}

// Worker is an agent living in its own process. It registers with the
// engine, heartbeats, runs assignments on its backend and reports results.
type Worker struct {
	conn     *Conn
	client   *Client
	desc     coordinator.Descriptor
	backend  backend.Backend
	interval time.Duration

	mu      sync.Mutex
	running map[string]*workerRun // task id -> attempt
	wg      sync.WaitGroup
}

func NewWorker(conn *Conn, opts WorkerOptions) (*Worker, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("worker needs a backend")
	}
	if opts.Descriptor.ID == "" {
		opts.Descriptor.ID = uuid.NewString()
	}
	if err := ValidateToken(opts.Descriptor.ID); err != nil {
		return nil, fmt.Errorf("agent id: %w", err)
	}
	if opts.Descriptor.Kind == "" {
		opts.Descriptor.Kind = opts.Backend.Kind()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 10 * time.Second
	}
	return &Worker{
		conn:     conn,
		client:   NewClient(conn),
		desc:     opts.Descriptor,
		backend:  opts.Backend,
		interval: opts.HeartbeatInterval,
		running:  make(map[string]*workerRun),
	}, nil
}

type workerRun struct {
	dispatch uint64
	cancel   context.CancelFunc
}

func (w *Worker) ID() string { return w.desc.ID }

// Run serves assignments until ctx is cancelled, then stops running
// attempts and deregisters.
func (w *Worker) Run(ctx context.Context) error {
	runCtx, cancelRuns := context.WithCancel(ctx)
	defer cancelRuns()

	assignSub, err := w.conn.subscribe(w.conn.subjects.Assign(w.desc.ID), "", func(msg *nats.Msg) {
		w.onAssign(runCtx, msg)
	})
	if err != nil {
		return err
	}
	defer assignSub.Unsubscribe()

	cancelSub, err := w.conn.subscribe(w.conn.subjects.Cancel(w.desc.ID), "", w.onCancel)
	if err != nil {
		return err
	}
	defer cancelSub.Unsubscribe()

	if err := w.conn.Flush(); err != nil {
		return fmt.Errorf("flushing subscriptions: %w", err)
	}
	if _, err := w.client.RegisterAgent(ctx, w.desc); err != nil {
		return fmt.Errorf("registering agent %q: %w", w.desc.ID, err)
	}
	log.Printf("Agent %s registered with capabilities %v", w.desc.ID, w.desc.Capabilities)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			cancelRuns()
			w.wg.Wait()

			dctx, cancel := context.WithTimeout(context.Background(), w.conn.timeout)
			defer cancel()
			if err := w.client.DeregisterAgent(dctx, w.desc.ID); err != nil {
				log.Printf("WARNING: deregistering agent %s: %v", w.desc.ID, err)
			}
			return nil
		case <-ticker.C:
			if err := w.client.Heartbeat(w.desc.ID); err != nil {
				log.Printf("WARNING: heartbeat for agent %s: %v", w.desc.ID, err)
			}
		}
	}
}

func (w *Worker) onAssign(ctx context.Context, msg *nats.Msg) {
	var a orchestrator.Assignment
	if err := json.Unmarshal(msg.Data, &a); err != nil {
		log.Printf("WARNING: dropping malformed assignment: %v", err)
		return
	}
	if a.AgentID != w.desc.ID {
		log.Printf("WARNING: assignment for agent %q delivered to %q", a.AgentID, w.desc.ID)
		return
	}

	var attemptCtx context.Context
	var cancel context.CancelFunc
	if !a.Deadline.IsZero() {
		attemptCtx, cancel = context.WithDeadline(ctx, a.Deadline)
	} else {
		attemptCtx, cancel = context.WithCancel(ctx)
	}

	w.mu.Lock()
	if prev, ok := w.running[a.TaskID]; ok {
		prev.cancel()
	}
	run := &workerRun{dispatch: a.Dispatch, cancel: cancel}
	w.running[a.TaskID] = run
	w.wg.Add(1)
	w.mu.Unlock()

	go func() {
		defer w.wg.Done()
		defer cancel()

		res := orchestrator.Execute(attemptCtx, w.backend, a)

		w.mu.Lock()
		if w.running[a.TaskID] == run {
			delete(w.running, a.TaskID)
		}
		w.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		if err := w.client.Report(res); err != nil {
			log.Printf("ERROR: reporting task %q attempt %d: %v", a.TaskID, a.Attempt, err)
		}
	}()
}

func (w *Worker) onCancel(msg *nats.Msg) {
	var a orchestrator.Assignment
	if err := json.Unmarshal(msg.Data, &a); err != nil {
		return
	}
	w.mu.Lock()
	run, ok := w.running[a.TaskID]
	w.mu.Unlock()
	if ok && run.dispatch == a.Dispatch {
		run.cancel()
	}
}
