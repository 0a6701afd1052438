package messagebus

import (
	"context"

	"github.com/aristath/taskforge/internal/coordinator"
	"github.com/aristath/taskforge/internal/orchestrator"
	"github.com/aristath/taskforge/internal/scheduler"
)

// Client calls a Server over NATS.
type Client struct {
	conn *Conn
}

func NewClient(conn *Conn) *Client {
	return &Client{conn: conn}
}

func (c *Client) call(ctx context.Context, op string, req any) (Reply, error) {
	var reply Reply
	if err := c.conn.request(ctx, c.conn.subjects.API(op), req, &reply); err != nil {
		return Reply{}, err
	}
	return reply, reply.Err()
}

// CreateTask submits def and returns the task id. ErrQueueSaturated comes
// back as a matching error.
func (c *Client) CreateTask(ctx context.Context, def scheduler.Definition) (string, error) {
	reply, err := c.call(ctx, OpCreateTask, def)
	return reply.ID, err
}

func (c *Client) CancelTask(ctx context.Context, id string) error {
	_, err := c.call(ctx, OpCancelTask, taskRef{ID: id})
	return err
}

func (c *Client) GetTask(ctx context.Context, id string) (*scheduler.Task, error) {
	reply, err := c.call(ctx, OpGetTask, taskRef{ID: id})
	if err != nil {
		return nil, err
	}
	return reply.Task, nil
}

func (c *Client) RegisterAgent(ctx context.Context, d coordinator.Descriptor) (string, error) {
	reply, err := c.call(ctx, OpRegisterAgent, d)
	return reply.ID, err
}

func (c *Client) DeregisterAgent(ctx context.Context, id string) error {
	_, err := c.call(ctx, OpDeregisterAgent, taskRef{ID: id})
	return err
}

func (c *Client) Health(ctx context.Context) (orchestrator.Health, error) {
	reply, err := c.call(ctx, OpHealth, struct{}{})
	if err != nil || reply.Health == nil {
		return orchestrator.Health{}, err
	}
	return *reply.Health, nil
}

// Heartbeat announces that agentID is alive. The server stamps it with its
// own clock.
func (c *Client) Heartbeat(agentID string) error {
	return c.conn.publish(c.conn.subjects.Heartbeat(agentID), heartbeatMsg{})
}

// Report publishes the outcome of an assignment.
func (c *Client) Report(r orchestrator.Result) error {
	return c.conn.publish(c.conn.subjects.Results(), r)
}
