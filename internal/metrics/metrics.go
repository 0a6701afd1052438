// Package metrics exposes engine activity as Prometheus metrics, fed from
// the event bus.
package metrics

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/aristath/taskforge/internal/coordinator"
	"github.com/aristath/taskforge/internal/events"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	registry *prometheus.Registry

	// Task metrics
	TaskTransitions *prometheus.CounterVec
	TasksFinished   *prometheus.CounterVec
	AttemptDuration *prometheus.HistogramVec

	// Scheduler metrics
	QueueDepth prometheus.Gauge
	InFlight   prometheus.Gauge
	Backlog    prometheus.Gauge

	// Agent metrics
	Agents *prometheus.GaugeVec

	// Validation metrics
	Validations        *prometheus.CounterVec
	ValidationDuration prometheus.Histogram

	agents map[string]coordinator.Status
}

// New creates the metrics on a registry of their own, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		TaskTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskforge_task_transitions_total",
				Help: "Task status transitions",
			},
			[]string{"from", "to"},
		),
		TasksFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskforge_tasks_finished_total",
				Help: "Tasks that reached a terminal status",
			},
			[]string{"status", "priority"},
		),
		AttemptDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taskforge_attempt_duration_seconds",
				Help:    "Agent execution time per attempt",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~17min
			},
			[]string{"agent_id"},
		),

		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "taskforge_queue_depth",
			Help: "Tasks waiting in the priority queue",
		}),
		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "taskforge_tasks_in_flight",
			Help: "Tasks assigned, executing or validating",
		}),
		Backlog: factory.NewGauge(prometheus.GaugeOpts{
			Name: "taskforge_backlog_depth",
			Help: "Ready tasks held back because the queue is full",
		}),

		Agents: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "taskforge_agents",
				Help: "Registered agents by status",
			},
			[]string{"status"},
		),

		Validations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskforge_validations_total",
				Help: "Quality gateway decisions",
			},
			[]string{"action"},
		),
		ValidationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "taskforge_validation_duration_seconds",
			Help:    "Time spent running validators per attempt",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),

		agents: make(map[string]coordinator.Status),
	}
}

// Registry returns the registry the metrics live in.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WatchDropped exports the number of events the bus dropped for slow
// subscribers.
func (m *Metrics) WatchDropped(bus *events.EventBus) {
	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "taskforge_events_dropped_total",
			Help: "Events dropped because a subscriber was full",
		},
		func() float64 { return float64(bus.Dropped()) },
	))
}

// Observe folds one event into the metrics. Not safe for concurrent use;
// Run calls it from a single goroutine.
func (m *Metrics) Observe(ev events.Event) {
	switch e := ev.(type) {
	case events.TaskEvent:
		m.TaskTransitions.WithLabelValues(e.From.String(), e.To.String()).Inc()
		if e.To.IsTerminal() {
			m.TasksFinished.WithLabelValues(e.To.String(), e.Priority.String()).Inc()
		}
	case events.TaskOutputEvent:
		m.AttemptDuration.WithLabelValues(e.AgentID).Observe(e.Duration.Seconds())
	case events.QueueEvent:
		m.QueueDepth.Set(float64(e.Depth))
		m.InFlight.Set(float64(e.InFlight))
		m.Backlog.Set(float64(e.Backlog))
	case events.AgentEvent:
		if e.Removed {
			delete(m.agents, e.AgentID)
		} else {
			m.agents[e.AgentID] = e.Status
		}
		m.updateAgents()
	case events.ValidationEvent:
		m.Validations.WithLabelValues(e.Action).Inc()
		m.ValidationDuration.Observe(e.Duration.Seconds())
	}
}

func (m *Metrics) updateAgents() {
	counts := map[coordinator.Status]int{}
	for _, s := range m.agents {
		counts[s]++
	}
	for _, s := range []coordinator.Status{coordinator.StatusIdle, coordinator.StatusBusy, coordinator.StatusOffline} {
		m.Agents.WithLabelValues(s.String()).Set(float64(counts[s]))
	}
}

// Run consumes the bus until ctx is cancelled or the bus is closed.
func (m *Metrics) Run(ctx context.Context, bus *events.EventBus) error {
	sub := bus.SubscribeAll(512)
	defer bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub:
			if !ok {
				return nil
			}
			m.Observe(ev)
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// HealthFunc reports whether the process is healthy.
type HealthFunc func(ctx context.Context) error

// Serve listens on addr with /metrics and /healthz until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, health HealthFunc) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if health != nil {
			if err := health(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		_, _ = w.Write([]byte("ok\n"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           otelhttp.NewHandler(mux, "taskforge-metrics"),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Serving metrics on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

