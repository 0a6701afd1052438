package orchestrator

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/taskforge/internal/coordinator"
	"github.com/aristath/taskforge/internal/quality"
)

// Health is a point-in-time summary of the engine.
type Health struct {
	QueueDepth        int                `json:"queue_depth"`
	InFlight          int                `json:"in_flight"`
	Backlog           int                `json:"backlog"`
	AgentCounts       coordinator.Counts `json:"agent_counts"`
	RecentFailureRate float64            `json:"recent_failure_rate"` // Failed attempts / finished attempts within the health window
	TasksByStatus     map[string]int     `json:"tasks_by_status"`
}

type attemptSample struct {
	at     time.Time
	failed bool
}

// failureWindow keeps the outcomes of recent attempts.
type failureWindow struct {
	window  time.Duration
	samples []attemptSample
}

func newFailureWindow(window time.Duration) *failureWindow {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &failureWindow{window: window}
}

func (w *failureWindow) record(at time.Time, success bool) {
	w.samples = append(w.samples, attemptSample{at: at, failed: !success})
}

// rate drops samples older than the window and returns the failed share of
// the rest, or 0 without samples.
func (w *failureWindow) rate(now time.Time) float64 {
	cutoff := now.Add(-w.window)
	keep := 0
	for keep < len(w.samples) && w.samples[keep].at.Before(cutoff) {
		keep++
	}
	w.samples = w.samples[keep:]

	if len(w.samples) == 0 {
		return 0
	}
	failed := 0
	for _, s := range w.samples {
		if s.failed {
			failed++
		}
	}
	return float64(failed) / float64(len(w.samples))
}

func (e *Engine) systemHealth(now time.Time) Health {
	byStatus := make(map[string]int)
	for _, t := range e.tasks {
		byStatus[t.Status.String()]++
	}
	return Health{
		QueueDepth:        e.queue.Len(),
		InFlight:          len(e.flights),
		Backlog:           len(e.backlog),
		AgentCounts:       e.coord.Counts(),
		RecentFailureRate: e.failures.rate(now),
		TasksByStatus:     byStatus,
	}
}

// summarize renders blocking findings for a history reason.
func summarize(findings []quality.Finding) string {
	if len(findings) == 0 {
		return "blocking validator failed"
	}
	parts := make([]string, 0, len(findings))
	for _, f := range findings {
		parts = append(parts, fmt.Sprintf("%s: %s", f.ValidatorID, f.Message))
	}
	return strings.Join(parts, "; ")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func newID() string {
	return uuid.NewString()
}
