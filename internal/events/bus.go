// Package events fans scheduler activity out to in-process consumers: the
// dashboard, the metrics recorder and the NATS publisher.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventBus is a channel-based pub-sub event bus.
// Supports topic-based subscriptions and SubscribeAll for cross-topic consumption.
// Publishing to an ordinary subscription never blocks: a slow subscriber
// loses events, counted by Dropped. SubscribeAllWait trades a bounded stall
// of the publisher for not losing events to short bursts.
type EventBus struct {
	mu      sync.RWMutex
	subs    map[string][]subscription // topic -> subscribers
	allSubs []subscription            // subscribers to all topics
	closed  bool
	dropped atomic.Uint64
}

type subscription struct {
	ch   chan Event
	wait time.Duration // how long Publish waits on a full buffer
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		subs: make(map[string][]subscription),
	}
}

func newSubscription(bufSize int, wait time.Duration) subscription {
	if bufSize <= 0 {
		bufSize = 256
	}
	return subscription{ch: make(chan Event, bufSize), wait: wait}
}

// Subscribe creates a subscription to a specific topic.
// bufSize defaults to 256 if <= 0.
func (b *EventBus) Subscribe(topic string, bufSize int) <-chan Event {
	sub := newSubscription(bufSize, 0)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(sub.ch)
		return sub.ch
	}
	b.subs[topic] = append(b.subs[topic], sub)
	return sub.ch
}

// SubscribeAll creates a subscription to every topic.
func (b *EventBus) SubscribeAll(bufSize int) <-chan Event {
	return b.subscribeAll(newSubscription(bufSize, 0))
}

// SubscribeAllWait is SubscribeAll for consumers that must not miss events:
// when the buffer is full, Publish blocks up to wait for room before the
// event counts as dropped.
func (b *EventBus) SubscribeAllWait(bufSize int, wait time.Duration) <-chan Event {
	return b.subscribeAll(newSubscription(bufSize, wait))
}

func (b *EventBus) subscribeAll(sub subscription) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(sub.ch)
		return sub.ch
	}
	b.allSubs = append(b.allSubs, sub)
	return sub.ch
}

// Unsubscribe removes and closes a subscription. Unknown channels are
// ignored.
func (b *EventBus) Unsubscribe(sub <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	remove := func(list []subscription) ([]subscription, bool) {
		for i, s := range list {
			if s.ch == sub {
				close(s.ch)
				return append(list[:i], list[i+1:]...), true
			}
		}
		return list, false
	}

	var found bool
	if b.allSubs, found = remove(b.allSubs); found {
		return
	}
	for topic, list := range b.subs {
		if b.subs[topic], found = remove(list); found {
			return
		}
	}
}

// Publish delivers event to the topic's subscribers and to every
// SubscribeAll channel.
func (b *EventBus) Publish(topic string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, sub := range b.subs[topic] {
		b.send(sub, event)
	}
	for _, sub := range b.allSubs {
		b.send(sub, event)
	}
}

func (b *EventBus) send(sub subscription, event Event) {
	select {
	case sub.ch <- event:
		return
	default:
	}
	if sub.wait > 0 {
		timer := time.NewTimer(sub.wait)
		defer timer.Stop()
		select {
		case sub.ch <- event:
			return
		case <-timer.C:
		}
	}
	b.dropped.Add(1)
}

// Dropped returns how many deliveries were skipped because a subscriber's
// buffer was full.
func (b *EventBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes the event bus and all subscriber channels.
// Safe to call multiple times.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, list := range b.subs {
		for _, sub := range list {
			close(sub.ch)
		}
	}
	for _, sub := range b.allSubs {
		close(sub.ch)
	}
}
