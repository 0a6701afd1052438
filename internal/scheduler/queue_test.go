package scheduler

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func TestQueueConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultQueueConfig().Validate())

	cfg := DefaultQueueConfig()
	cfg.AgeBonusCap = 299
	assert.ErrorContains(t, cfg.Validate(), "starve")

	cfg = DefaultQueueConfig()
	cfg.AgeBonusRate = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultQueueConfig()
	cfg.PriorityStep = -1
	assert.Error(t, cfg.Validate())
}

func TestQueueScore(t *testing.T) {
	q := NewPriorityQueue(DefaultQueueConfig())

	assert.Equal(t, 100.0, q.Score(PriorityNormal, 0))
	assert.Equal(t, 110.0, q.Score(PriorityNormal, 10*time.Second))
	assert.Equal(t, 300.0, q.Score(PriorityUrgent, time.Hour), "urgent is already at the ceiling")
	assert.Equal(t, 300.0, q.Score(PriorityLow, 10*time.Minute), "bonus is capped")
	assert.Equal(t, 0.0, q.Score(PriorityLow, -time.Second), "negative wait counts as zero")
}

func TestQueueDequeueOrder(t *testing.T) {
	q := NewPriorityQueue(DefaultQueueConfig())
	q.Enqueue("low", PriorityLow, t0)
	q.Enqueue("urgent", PriorityUrgent, t0)
	q.Enqueue("normal", PriorityNormal, t0)
	q.Enqueue("high", PriorityHigh, t0)

	var got []string
	for q.Len() > 0 {
		id, err := q.Dequeue(t0)
		require.NoError(t, err)
		got = append(got, id)
	}
	assert.Equal(t, []string{"urgent", "high", "normal", "low"}, got)

	_, err := q.Dequeue(t0)
	assert.ErrorIs(t, err, ErrQueueEmpty)
}

func TestQueueFIFOWithinPriority(t *testing.T) {
	q := NewPriorityQueue(DefaultQueueConfig())
	for i := range 5 {
		q.Enqueue(fmt.Sprintf("t%d", i), PriorityNormal, t0)
	}

	for i := range 5 {
		id, err := q.Dequeue(t0)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("t%d", i), id, "same score and enqueue time must preserve insertion order")
	}
}

func TestQueueAgingOvertakesHigherPriority(t *testing.T) {
	q := NewPriorityQueue(DefaultQueueConfig())
	q.Enqueue("old-normal", PriorityNormal, t0)
	q.Enqueue("new-high", PriorityHigh, t0.Add(150*time.Second))

	// old-normal: 100+150 = 250, new-high: 200
	id, err := q.Dequeue(t0.Add(150 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, "old-normal", id)
}

func TestQueueNoStarvation(t *testing.T) {
	cfg := DefaultQueueConfig()
	q := NewPriorityQueue(cfg)
	q.Enqueue("starving", PriorityLow, t0)

	// Urgent tasks arrive continuously, one per second, and one task is
	// dequeued per second.
	bound := time.Duration((weight(PriorityUrgent, cfg.PriorityStep)-weight(PriorityLow, cfg.PriorityStep))/cfg.AgeBonusRate) * time.Second
	now := t0
	for i := 0; ; i++ {
		now = now.Add(time.Second)
		q.Enqueue(fmt.Sprintf("urgent-%d", i), PriorityUrgent, now)

		id, err := q.Dequeue(now)
		require.NoError(t, err)
		if id == "starving" {
			break
		}
		require.LessOrEqual(t, now.Sub(t0), bound+time.Second, "low priority task starved")
	}
}

func TestQueueEnqueueIdempotent(t *testing.T) {
	q := NewPriorityQueue(DefaultQueueConfig())
	q.Enqueue("a", PriorityNormal, t0)
	q.Enqueue("a", PriorityUrgent, t0.Add(time.Minute))

	assert.Equal(t, 1, q.Len())
	snap := q.Snapshot(t0)
	require.Len(t, snap, 1)
	assert.Equal(t, PriorityNormal, snap[0].Priority)
	assert.Equal(t, t0, snap[0].EnqueuedAt)
}

func TestQueueAdmit(t *testing.T) {
	cfg := DefaultQueueConfig()
	cfg.Capacity = 2
	q := NewPriorityQueue(cfg)

	require.NoError(t, q.Admit("a"))
	q.Enqueue("a", PriorityNormal, t0)
	require.NoError(t, q.Admit("b"))
	q.Enqueue("b", PriorityNormal, t0)
	assert.Equal(t, 0, q.Room())

	assert.ErrorIs(t, q.Admit("c"), ErrQueueSaturated)
	assert.NoError(t, q.Admit("a"), "already queued ids pass admission")

	q.Remove("a")
	assert.Equal(t, 1, q.Room())
	assert.NoError(t, q.Admit("c"))

	unbounded := NewPriorityQueue(QueueConfig{PriorityStep: 100, AgeBonusRate: 1, AgeBonusCap: 300})
	assert.Equal(t, -1, unbounded.Room())
}

func TestQueueDeferredEntries(t *testing.T) {
	q := NewPriorityQueue(DefaultQueueConfig())
	q.EnqueueAt("retry", PriorityUrgent, t0, t0.Add(10*time.Second))
	q.Enqueue("fresh", PriorityLow, t0)

	assert.Equal(t, t0.Add(10*time.Second), q.NextVisibleAt(t0))
	assert.Len(t, q.Ordered(t0), 1)
	assert.Len(t, q.Snapshot(t0), 2)

	id, err := q.Dequeue(t0)
	require.NoError(t, err)
	assert.Equal(t, "fresh", id)

	_, err = q.Dequeue(t0.Add(5 * time.Second))
	assert.ErrorIs(t, err, ErrQueueEmpty)

	id, err = q.Dequeue(t0.Add(10 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, "retry", id)
	assert.True(t, q.NextVisibleAt(t0).IsZero())
}

func TestQueueTouchKeepsPosition(t *testing.T) {
	q := NewPriorityQueue(DefaultQueueConfig())
	q.Enqueue("a", PriorityHigh, t0)
	q.Enqueue("b", PriorityNormal, t0)

	q.Touch("a")
	q.Touch("a")
	q.Touch("missing")

	ordered := q.Ordered(t0.Add(time.Second))
	require.Len(t, ordered, 2)
	assert.Equal(t, "a", ordered[0].TaskID)
	assert.Equal(t, 2, ordered[0].Attempts)
	assert.Equal(t, t0, ordered[0].EnqueuedAt)
	assert.True(t, q.Contains("a"))
	assert.Equal(t, 2, q.Len(), "Ordered must not remove entries")
}
