package messagebus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/aristath/taskforge/internal/events"
)

// Envelope is the JetStream representation of an engine event.
type Envelope struct {
	Type      string          `json:"type"`
	TaskID    string          `json:"task_id,omitempty"`
	Data      json.RawMessage `json:"data"`
	Published time.Time       `json:"published"`
}

// NewEnvelope wraps ev for publishing.
func NewEnvelope(ev events.Event, now time.Time) (Envelope, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s event: %w", ev.EventType(), err)
	}
	return Envelope{
		Type:      ev.EventType(),
		TaskID:    ev.TaskID(),
		Data:      data,
		Published: now,
	}, nil
}

// forwarded reports whether events of this type go to the stream. Queue
// depth samples are published every loop iteration and stay local.
func forwarded(ev events.Event) bool {
	return ev.EventType() != events.EventTypeQueueDepth
}

// EventForwarder copies engine events from the local bus into the
// JetStream event stream.
type EventForwarder struct {
	conn *Conn
	bus  *events.EventBus
}

func NewEventForwarder(conn *Conn, bus *events.EventBus) *EventForwarder {
	return &EventForwarder{conn: conn, bus: bus}
}

// forwardWait bounds how long the engine stalls on a forwarder that fell
// behind, for instance while JetStream is slow to acknowledge.
const forwardWait = time.Second

// Run forwards events until ctx is cancelled or the bus is closed.
func (f *EventForwarder) Run(ctx context.Context) error {
	sub := f.bus.SubscribeAllWait(1024, forwardWait)
	defer f.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub:
			if !ok {
				return nil
			}
			if !forwarded(ev) {
				continue
			}
			env, err := NewEnvelope(ev, time.Now().UTC())
			if err != nil {
				log.Printf("WARNING: %v", err)
				continue
			}
			if err := f.conn.publishDurable(ctx, f.conn.subjects.Event(env.Type), env); err != nil && ctx.Err() == nil {
				log.Printf("WARNING: forwarding %s event: %v", env.Type, err)
			}
		}
	}
}
