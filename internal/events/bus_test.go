package events

import (
	"testing"
	"time"

	"github.com/aristath/taskforge/internal/scheduler"
)

func transition(id string, from, to scheduler.Status) TaskEvent {
	return TaskEvent{ID: id, From: from, To: to, Attempt: 1, Timestamp: time.Now()}
}

func TestPublishSubscribe(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicTask, 10)
	bus.Publish(TopicTask, transition("task-1", scheduler.StatusQueued, scheduler.StatusAssigned))

	select {
	case received := <-ch:
		if received.TaskID() != "task-1" {
			t.Errorf("expected task ID 'task-1', got '%s'", received.TaskID())
		}
		if received.EventType() != EventTypeTaskTransition {
			t.Errorf("expected event type '%s', got '%s'", EventTypeTaskTransition, received.EventType())
		}
		te, ok := received.(TaskEvent)
		if !ok {
			t.Fatalf("expected TaskEvent, got %T", received)
		}
		if te.To != scheduler.StatusAssigned {
			t.Errorf("expected To=assigned, got %s", te.To)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
}

func TestMultipleSubscribers(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch1 := bus.Subscribe(TopicTask, 10)
	ch2 := bus.Subscribe(TopicTask, 10)

	bus.Publish(TopicTask, TaskOutputEvent{ID: "task-2", Output: "done", Timestamp: time.Now()})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case received := <-ch:
			if received.TaskID() != "task-2" {
				t.Errorf("subscriber %d: expected task ID 'task-2', got '%s'", i+1, received.TaskID())
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("subscriber %d: timeout waiting for event", i+1)
		}
	}
}

func TestNonBlockingSend(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicTask, 1)

	done := make(chan struct{})
	go func() {
		for range 10 {
			bus.Publish(TopicTask, transition("task", scheduler.StatusReady, scheduler.StatusQueued))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("publisher blocked (expected non-blocking behavior)")
	}

	select {
	case <-ch:
	default:
		t.Error("expected one event in buffer")
	}
	if got := bus.Dropped(); got != 9 {
		t.Errorf("expected 9 dropped deliveries, got %d", got)
	}
}

func TestWaitingSubscriberAbsorbsBursts(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch := bus.SubscribeAllWait(1, time.Second)
	got := make(chan int)
	go func() {
		n := 0
		for range ch {
			n++
			time.Sleep(2 * time.Millisecond)
			if n == 10 {
				break
			}
		}
		got <- n
	}()

	for range 10 {
		bus.Publish(TopicTask, transition("task", scheduler.StatusReady, scheduler.StatusQueued))
	}

	select {
	case n := <-got:
		if n != 10 {
			t.Errorf("received %d events, want 10", n)
		}
	case <-time.After(time.Second):
		t.Fatal("slow subscriber did not receive the burst")
	}
	if dropped := bus.Dropped(); dropped != 0 {
		t.Errorf("expected no dropped deliveries, got %d", dropped)
	}
}

func TestWaitingSubscriberGivesUp(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch := bus.SubscribeAllWait(1, 10*time.Millisecond)

	start := time.Now()
	for range 3 {
		bus.Publish(TopicTask, transition("task", scheduler.StatusReady, scheduler.StatusQueued))
	}
	if took := time.Since(start); took > 500*time.Millisecond {
		t.Errorf("publishing to a stuck subscriber took %s", took)
	}
	if dropped := bus.Dropped(); dropped != 2 {
		t.Errorf("expected 2 dropped deliveries, got %d", dropped)
	}
	if len(ch) != 1 {
		t.Errorf("expected one buffered event, got %d", len(ch))
	}
}

func TestCloseSignalsSubscribers(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe(TopicTask, 10)
	all := bus.SubscribeAll(10)

	bus.Close()
	bus.Close()

	for range ch {
		t.Error("unexpected event on closed topic channel")
	}
	for range all {
		t.Error("unexpected event on closed all channel")
	}

	late := bus.Subscribe(TopicTask, 1)
	if _, ok := <-late; ok {
		t.Error("subscription after close should be closed")
	}
}

func TestPublishAfterClose(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe(TopicTask, 10)
	bus.Close()

	defer func() {
		if r := recover(); r != nil {
			t.Errorf("publishing after close caused panic: %v", r)
		}
	}()
	bus.Publish(TopicTask, transition("task-1", scheduler.StatusReady, scheduler.StatusQueued))

	if _, ok := <-ch; ok {
		t.Error("received event after bus was closed")
	}
}

func TestMultipleTopics(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	taskCh := bus.Subscribe(TopicTask, 10)
	queueCh := bus.Subscribe(TopicQueue, 10)

	bus.Publish(TopicTask, transition("task-1", scheduler.StatusReady, scheduler.StatusQueued))
	bus.Publish(TopicQueue, QueueEvent{Depth: 3, InFlight: 1, Timestamp: time.Now()})

	select {
	case received := <-taskCh:
		if received.EventType() != EventTypeTaskTransition {
			t.Errorf("task channel: expected transition, got %s", received.EventType())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("task channel: timeout waiting for event")
	}

	select {
	case received := <-queueCh:
		if received.EventType() != EventTypeQueueDepth {
			t.Errorf("queue channel: expected queue event, got %s", received.EventType())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("queue channel: timeout waiting for event")
	}

	select {
	case <-taskCh:
		t.Error("task channel received unexpected event")
	case <-queueCh:
		t.Error("queue channel received unexpected event")
	case <-time.After(10 * time.Millisecond):
	}
}

func TestSubscribeAll(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	allCh := bus.SubscribeAll(20)

	bus.Publish(TopicTask, transition("task-1", scheduler.StatusReady, scheduler.StatusQueued))
	bus.Publish(TopicAgent, AgentEvent{AgentID: "ag1", Timestamp: time.Now()})

	receivedTypes := make(map[string]bool)
	for range 2 {
		select {
		case received := <-allCh:
			receivedTypes[received.EventType()] = true
		case <-time.After(100 * time.Millisecond):
			t.Fatal("timeout waiting for event")
		}
	}

	if !receivedTypes[EventTypeTaskTransition] {
		t.Error("SubscribeAll did not receive task event")
	}
	if !receivedTypes[EventTypeAgentStatus] {
		t.Error("SubscribeAll did not receive agent event")
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	keep := bus.Subscribe(TopicTask, 10)
	drop := bus.Subscribe(TopicTask, 10)
	all := bus.SubscribeAll(10)

	bus.Unsubscribe(drop)
	bus.Unsubscribe(all)
	bus.Unsubscribe(make(chan Event))

	if _, ok := <-drop; ok {
		t.Error("unsubscribed channel should be closed")
	}
	if _, ok := <-all; ok {
		t.Error("unsubscribed all-channel should be closed")
	}

	bus.Publish(TopicTask, transition("task-1", scheduler.StatusReady, scheduler.StatusQueued))
	select {
	case <-keep:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("remaining subscriber lost the event")
	}
}
