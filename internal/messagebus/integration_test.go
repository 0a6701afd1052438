package messagebus

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/taskforge/internal/backend"
	"github.com/aristath/taskforge/internal/config"
	"github.com/aristath/taskforge/internal/coordinator"
	"github.com/aristath/taskforge/internal/events"
	"github.com/aristath/taskforge/internal/orchestrator"
	"github.com/aristath/taskforge/internal/persistence"
	"github.com/aristath/taskforge/internal/scheduler"
)

// connectForTest connects to the server named by NATS_URL on a prefix and
// stream of its own.
func connectForTest(t *testing.T) *Conn {
	t.Helper()
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set")
	}
	suffix := uuid.NewString()[:8]
	conn, err := Connect(Config{
		URL:           url,
		StreamName:    "TASKFORGE_TEST_" + suffix,
		SubjectPrefix: "tftest" + suffix,
		Timeout:       5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.js.DeleteStream(conn.stream)
		conn.Close()
	})
	return conn
}

func TestRemoteAgentRoundTrip(t *testing.T) {
	conn := connectForTest(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, conn.Health())

	store, err := persistence.NewMemoryStore(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	dispatcher, err := NewRemoteDispatcher(conn)
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.Engine.TickInterval = 10 * time.Millisecond
	m, err := orchestrator.FromConfig(cfg, orchestrator.Deps{Store: store, Dispatcher: dispatcher})
	require.NoError(t, err)
	_, err = m.Start(ctx)
	require.NoError(t, err)
	t.Cleanup(m.Stop)

	require.NoError(t, NewServer(conn, m).Start())
	forwarder := NewEventForwarder(conn, m.Events())
	go forwarder.Run(ctx)

	transitions, err := conn.js.SubscribeSync(conn.subjects.Event(events.EventTypeTaskTransition), nats.DeliverAll())
	require.NoError(t, err)

	b, err := backend.New(backend.Config{Kind: "shell", Command: "cat"}, nil)
	require.NoError(t, err)
	w, err := NewWorker(conn, WorkerOptions{
		Descriptor:        coordinator.Descriptor{ID: "remote-1", Capabilities: []string{"general"}},
		Backend:           b,
		HeartbeatInterval: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	workerCtx, stopWorker := context.WithCancel(ctx)
	workerDone := make(chan error, 1)
	go func() { workerDone <- w.Run(workerCtx) }()

	require.Eventually(t, func() bool {
		for _, a := range m.Agents() {
			if a.ID == "remote-1" {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	client := NewClient(conn)
	id, err := client.CreateTask(ctx, scheduler.Definition{Title: "Echo", Payload: "over the wire"})
	require.NoError(t, err)

	waitCtx, waitCancel := context.WithTimeout(ctx, 10*time.Second)
	defer waitCancel()
	require.NoError(t, m.Wait(waitCtx, id))

	task, err := client.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, scheduler.StatusCompleted, task.Status)
	assert.Equal(t, "over the wire", task.Artifact)

	_, err = client.GetTask(ctx, "missing")
	assert.ErrorIs(t, err, scheduler.ErrTaskNotFound)

	health, err := client.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, health.TasksByStatus["completed"])

	msg, err := transitions.NextMsg(5 * time.Second)
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(msg.Data, &env))
	assert.Equal(t, events.EventTypeTaskTransition, env.Type)
	assert.Equal(t, id, env.TaskID)

	stopWorker()
	require.NoError(t, <-workerDone)
	assert.Eventually(t, func() bool { return len(m.Agents()) == 0 }, 5*time.Second, 10*time.Millisecond)
}
