package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// QueueConfig controls scoring and capacity of the PriorityQueue.
type QueueConfig struct {
	Capacity     int     // Admission limit; <= 0 means unbounded
	PriorityStep float64 // Score distance between adjacent priority levels
	AgeBonusRate float64 // Score gained per second of waiting
	AgeBonusCap  float64 // Upper bound of the age bonus
}

// DefaultQueueConfig returns the scoring used when nothing is configured:
// a low task catches up with an urgent one after five minutes.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Capacity:     1000,
		PriorityStep: 100,
		AgeBonusRate: 1,
		AgeBonusCap:  300,
	}
}

// Validate checks that aging can lift the lowest priority to the score
// ceiling, which is what guarantees the absence of starvation.
func (c QueueConfig) Validate() error {
	if c.PriorityStep <= 0 {
		return fmt.Errorf("priority step must be positive, got %v", c.PriorityStep)
	}
	if c.AgeBonusRate <= 0 {
		return fmt.Errorf("age bonus rate must be positive, got %v", c.AgeBonusRate)
	}
	gap := weight(PriorityUrgent, c.PriorityStep) - weight(PriorityLow, c.PriorityStep)
	if c.AgeBonusCap < gap {
		return fmt.Errorf("age bonus cap %v is below the priority spread %v; low priority tasks could starve", c.AgeBonusCap, gap)
	}
	return nil
}

func weight(p Priority, step float64) float64 {
	return float64(p) * step
}

type queueEntry struct {
	taskID     string
	priority   Priority
	enqueuedAt time.Time
	notBefore  time.Time // invisible to Dequeue until then
	attempts   int       // scheduling attempts, not execution attempts
	seq        uint64
}

// ScoredEntry is a read-only view of a queued task for reporting.
type ScoredEntry struct {
	TaskID     string
	Priority   Priority
	Score      float64
	EnqueuedAt time.Time
	Attempts   int
}

// PriorityQueue orders ready tasks by an age-adjusted score:
//
//	score = min(weight(priority) + min(rate*wait, cap), weight(urgent))
//
// The score is computed at comparison time. Once a task reaches the
// ceiling it can only lose to entries enqueued before it, so every task is
// dequeued within (weight(urgent)-weight(priority))/rate of waiting plus the
// time needed to drain older entries.
//
// Scores change with time, so there is no stable heap order; Dequeue scans.
type PriorityQueue struct {
	mu      sync.Mutex
	cfg     QueueConfig
	entries map[string]*queueEntry
	seq     uint64
}

// NewPriorityQueue creates an empty queue.
func NewPriorityQueue(cfg QueueConfig) *PriorityQueue {
	return &PriorityQueue{
		cfg:     cfg,
		entries: make(map[string]*queueEntry),
	}
}

// Score returns the score of a task of priority p that has waited wait.
func (q *PriorityQueue) Score(p Priority, wait time.Duration) float64 {
	if wait < 0 {
		wait = 0
	}
	bonus := q.cfg.AgeBonusRate * wait.Seconds()
	if bonus > q.cfg.AgeBonusCap {
		bonus = q.cfg.AgeBonusCap
	}
	score := weight(p, q.cfg.PriorityStep) + bonus
	if ceiling := weight(PriorityUrgent, q.cfg.PriorityStep); score > ceiling {
		score = ceiling
	}
	return score
}

// Admit checks capacity for a new entry. Already queued ids always pass.
func (q *PriorityQueue) Admit(taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.entries[taskID]; ok {
		return nil
	}
	if q.cfg.Capacity > 0 && len(q.entries) >= q.cfg.Capacity {
		return fmt.Errorf("%w: %d/%d entries", ErrQueueSaturated, len(q.entries), q.cfg.Capacity)
	}
	return nil
}

// Room returns how many more entries can be admitted, or -1 if unbounded.
func (q *PriorityQueue) Room() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cfg.Capacity <= 0 {
		return -1
	}
	if room := q.cfg.Capacity - len(q.entries); room > 0 {
		return room
	}
	return 0
}

// Enqueue adds a task that is visible immediately. Re-enqueuing a queued
// task is a no-op. Capacity is not checked; call Admit first for new work.
func (q *PriorityQueue) Enqueue(taskID string, p Priority, now time.Time) {
	q.EnqueueAt(taskID, p, now, time.Time{})
}

// EnqueueAt adds a task that stays invisible to Dequeue until notBefore.
// Aging starts when the entry becomes visible.
func (q *PriorityQueue) EnqueueAt(taskID string, p Priority, now, notBefore time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.entries[taskID]; ok {
		return
	}
	if notBefore.After(now) {
		now = notBefore
	}
	q.seq++
	q.entries[taskID] = &queueEntry{
		taskID:     taskID,
		priority:   p,
		enqueuedAt: now,
		notBefore:  notBefore,
		seq:        q.seq,
	}
}

// Dequeue removes and returns the highest scoring visible entry.
func (q *PriorityQueue) Dequeue(now time.Time) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var best *queueEntry
	var bestScore float64
	for _, e := range q.entries {
		if e.notBefore.After(now) {
			continue
		}
		score := q.Score(e.priority, now.Sub(e.enqueuedAt))
		if best == nil || q.before(e, score, best, bestScore) {
			best, bestScore = e, score
		}
	}
	if best == nil {
		return "", ErrQueueEmpty
	}
	delete(q.entries, best.taskID)
	return best.taskID, nil
}

// before reports whether a (with score sa) outranks b (with score sb).
// Ties fall back to enqueue time, then insertion order.
func (q *PriorityQueue) before(a *queueEntry, sa float64, b *queueEntry, sb float64) bool {
	if sa != sb {
		return sa > sb
	}
	if !a.enqueuedAt.Equal(b.enqueuedAt) {
		return a.enqueuedAt.Before(b.enqueuedAt)
	}
	return a.seq < b.seq
}

// Ordered returns the visible entries in dequeue order without removing
// them.
func (q *PriorityQueue) Ordered(now time.Time) []ScoredEntry {
	return q.snapshot(now, false)
}

// Snapshot returns every entry, including ones still in backoff, in dequeue
// order.
func (q *PriorityQueue) Snapshot(now time.Time) []ScoredEntry {
	return q.snapshot(now, true)
}

func (q *PriorityQueue) snapshot(now time.Time, includeDeferred bool) []ScoredEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	type scored struct {
		e     *queueEntry
		score float64
	}
	list := make([]scored, 0, len(q.entries))
	for _, e := range q.entries {
		if !includeDeferred && e.notBefore.After(now) {
			continue
		}
		list = append(list, scored{e, q.Score(e.priority, now.Sub(e.enqueuedAt))})
	}
	sort.Slice(list, func(i, j int) bool {
		return q.before(list[i].e, list[i].score, list[j].e, list[j].score)
	})

	out := make([]ScoredEntry, len(list))
	for i, s := range list {
		out[i] = ScoredEntry{
			TaskID:     s.e.taskID,
			Priority:   s.e.priority,
			Score:      s.score,
			EnqueuedAt: s.e.enqueuedAt,
			Attempts:   s.e.attempts,
		}
	}
	return out
}

// Touch records a scheduling attempt that found no usable agent. The entry
// keeps its place and its enqueue time.
func (q *PriorityQueue) Touch(taskID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.entries[taskID]; ok {
		e.attempts++
	}
}

// Remove deletes an entry. No-op if absent.
func (q *PriorityQueue) Remove(taskID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.entries, taskID)
}

// Contains reports whether taskID is queued.
func (q *PriorityQueue) Contains(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.entries[taskID]
	return ok
}

// Len returns the number of queued entries, deferred ones included.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// NextVisibleAt returns the earliest notBefore among deferred entries, or
// the zero time when none is deferred.
func (q *PriorityQueue) NextVisibleAt(now time.Time) time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()

	var next time.Time
	for _, e := range q.entries {
		if !e.notBefore.After(now) {
			continue
		}
		if next.IsZero() || e.notBefore.Before(next) {
			next = e.notBefore
		}
	}
	return next
}
