package messagebus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/aristath/taskforge/internal/coordinator"
	"github.com/aristath/taskforge/internal/orchestrator"
	"github.com/aristath/taskforge/internal/scheduler"
)

// Service is the part of the task manager exposed over NATS.
type Service interface {
	CreateTask(ctx context.Context, def scheduler.Definition) (string, error)
	CancelTask(ctx context.Context, id string) error
	GetTask(ctx context.Context, id string) (*scheduler.Task, error)
	RegisterAgent(ctx context.Context, d coordinator.Descriptor) (string, error)
	DeregisterAgent(ctx context.Context, id string) error
	HeartbeatAt(ctx context.Context, id string, at time.Time) error
	GetSystemHealth(ctx context.Context) (orchestrator.Health, error)
}

// Reply is the response to every request/reply operation.
type Reply struct {
	ID     string               `json:"id,omitempty"`
	Task   *scheduler.Task      `json:"task,omitempty"`
	Health *orchestrator.Health `json:"health,omitempty"`
	Error  string               `json:"error,omitempty"`
	Code   string               `json:"code,omitempty"`
}

type taskRef struct {
	ID string `json:"id"`
}

type heartbeatMsg struct {
	At time.Time `json:"at,omitzero"`
}

// Error codes carried in Reply.Code so clients can recover the sentinel.
var errorCodes = []struct {
	code string
	err  error
}{
	{"saturated", scheduler.ErrQueueSaturated},
	{"cycle", scheduler.ErrCycleDetected},
	{"duplicate", scheduler.ErrDuplicateTask},
	{"invalid", scheduler.ErrInvalidDefinition},
	{"not_found", scheduler.ErrTaskNotFound},
	{"unknown_agent", coordinator.ErrUnknownAgent},
	{"stopped", orchestrator.ErrEngineStopped},
}

func errorCode(err error) string {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return ""
}

// remoteError is an error returned by the server, unwrapping to the
// matching sentinel when the code is known.
type remoteError struct {
	msg      string
	sentinel error
}

func (e *remoteError) Error() string { return e.msg }
func (e *remoteError) Unwrap() error { return e.sentinel }

// Err converts the reply's error back into a Go error, or nil.
func (r Reply) Err() error {
	if r.Error == "" {
		return nil
	}
	for _, ec := range errorCodes {
		if ec.code == r.Code {
			return &remoteError{msg: r.Error, sentinel: ec.err}
		}
	}
	return errors.New(r.Error)
}

func failure(err error) Reply {
	return Reply{Error: err.Error(), Code: errorCode(err)}
}

// Server answers task and agent requests and ingests agent heartbeats on
// behalf of svc.
type Server struct {
	conn     *Conn
	svc      Service
	subjects Subjects
	timeout  time.Duration
	now      func() time.Time
}

func NewServer(conn *Conn, svc Service) *Server {
	return &Server{conn: conn, svc: svc, subjects: conn.subjects, timeout: conn.timeout, now: time.Now}
}

// Start subscribes to every operation. Subscriptions use a queue group so
// several servers can share the load.
func (s *Server) Start() error {
	ops := []string{OpCreateTask, OpCancelTask, OpGetTask, OpRegisterAgent, OpDeregisterAgent, OpHealth}
	for _, op := range ops {
		_, err := s.conn.subscribe(s.subjects.API(op), "taskforge-api", func(msg *nats.Msg) {
			ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
			defer cancel()

			data, err := json.Marshal(s.handle(ctx, op, msg.Data))
			if err != nil {
				log.Printf("ERROR: encoding %s reply: %v", op, err)
				return
			}
			if err := msg.Respond(data); err != nil {
				log.Printf("WARNING: replying to %s: %v", op, err)
			}
		})
		if err != nil {
			return err
		}
	}

	_, err := s.conn.subscribe(s.subjects.Heartbeats(), "taskforge-heartbeats", func(msg *nats.Msg) {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := s.heartbeat(ctx, msg.Subject, msg.Data); err != nil {
			log.Printf("WARNING: %v", err)
		}
	})
	return err
}

func (s *Server) handle(ctx context.Context, op string, data []byte) Reply {
	switch op {
	case OpCreateTask:
		var def scheduler.Definition
		if err := json.Unmarshal(data, &def); err != nil {
			return failure(fmt.Errorf("%w: %v", scheduler.ErrInvalidDefinition, err))
		}
		id, err := s.svc.CreateTask(ctx, def)
		if err != nil {
			return failure(err)
		}
		return Reply{ID: id}

	case OpCancelTask, OpGetTask, OpDeregisterAgent:
		var ref taskRef
		if err := json.Unmarshal(data, &ref); err != nil {
			return failure(fmt.Errorf("decoding %s request: %w", op, err))
		}
		switch op {
		case OpCancelTask:
			if err := s.svc.CancelTask(ctx, ref.ID); err != nil {
				return failure(err)
			}
		case OpGetTask:
			task, err := s.svc.GetTask(ctx, ref.ID)
			if err != nil {
				return failure(err)
			}
			return Reply{ID: task.ID, Task: task}
		case OpDeregisterAgent:
			if err := s.svc.DeregisterAgent(ctx, ref.ID); err != nil {
				return failure(err)
			}
		}
		return Reply{ID: ref.ID}

	case OpRegisterAgent:
		var d coordinator.Descriptor
		if err := json.Unmarshal(data, &d); err != nil {
			return failure(fmt.Errorf("decoding %s request: %w", op, err))
		}
		if err := ValidateToken(d.ID); err != nil {
			return failure(fmt.Errorf("agent id: %w", err))
		}
		if d.Kind == "" {
			d.Kind = "remote"
		}
		id, err := s.svc.RegisterAgent(ctx, d)
		if err != nil {
			return failure(err)
		}
		return Reply{ID: id}

	case OpHealth:
		h, err := s.svc.GetSystemHealth(ctx)
		if err != nil {
			return failure(err)
		}
		return Reply{Health: &h}
	}
	return Reply{Error: fmt.Sprintf("unknown operation %q", op)}
}

func (s *Server) heartbeat(ctx context.Context, subject string, data []byte) error {
	id, ok := s.subjects.AgentFromHeartbeat(subject)
	if !ok {
		return fmt.Errorf("heartbeat on unexpected subject %q", subject)
	}
	var hb heartbeatMsg
	if len(data) > 0 {
		if err := json.Unmarshal(data, &hb); err != nil {
			return fmt.Errorf("malformed heartbeat from agent %q: %w", id, err)
		}
	}
	if hb.At.IsZero() {
		hb.At = s.now()
	}
	if err := s.svc.HeartbeatAt(ctx, id, hb.At); err != nil {
		return fmt.Errorf("heartbeat from agent %q: %w", id, err)
	}
	return nil
}
