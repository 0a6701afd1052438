// Package orchestrator runs the scheduling loop: it admits ready tasks to the
// priority queue, binds them to agents, supervises each attempt and routes
// the output through the quality gateway.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/aristath/taskforge/internal/config"
	"github.com/aristath/taskforge/internal/coordinator"
	"github.com/aristath/taskforge/internal/events"
	"github.com/aristath/taskforge/internal/persistence"
	"github.com/aristath/taskforge/internal/quality"
	"github.com/aristath/taskforge/internal/scheduler"
)

const tracerName = "github.com/aristath/taskforge/internal/orchestrator"

// Options wires an Engine.
type Options struct {
	Config      config.EngineConfig
	Queue       scheduler.QueueConfig
	Coordinator *coordinator.Coordinator
	Gateway     *quality.Gateway // nil accepts every result
	Store       persistence.TaskStore
	Bus         *events.EventBus // nil creates a private bus
	Dispatcher  Dispatcher
	Workflows   *scheduler.WorkflowManager // nil disables follow-up tasks
	Tracer      trace.Tracer
	Clock       func() time.Time
}

// flight is a task between assignment and the gateway's verdict. It counts
// against MaxInFlight.
type flight struct {
	assignment Assignment
	started    time.Time
	span       trace.Span         // open while the agent works
	cancel     context.CancelFunc // set while validating
}

type verdict struct {
	taskID   string
	attempt  int
	dispatch uint64
	result   quality.Result
	took     time.Duration
}

// Engine owns the task table, the resolver and the queue. Everything that
// mutates them runs on a single goroutine; other goroutines talk to it
// through channels.
type Engine struct {
	cfg        config.EngineConfig
	coord      *coordinator.Coordinator
	gateway    *quality.Gateway
	store      persistence.TaskStore
	bus        *events.EventBus
	dispatcher Dispatcher
	workflows  *scheduler.WorkflowManager
	tracer     trace.Tracer
	clock      func() time.Time
	retry      RetryPolicy

	tasks       map[string]*scheduler.Task
	resolver    *scheduler.Resolver
	queue       *scheduler.PriorityQueue
	locks       *scheduler.ResourceLockManager
	backlog     []string // Ready tasks waiting for queue capacity, FIFO
	flights     map[string]*flight
	waiters     map[string][]chan struct{}
	agentStatus map[string]coordinator.Status // last status seen, for change events
	failures    *failureWindow
	dispatches  uint64 // last dispatch token handed out

	commands chan command
	results  chan Result
	verdicts chan verdict
	wake     chan struct{}

	running atomic.Bool
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	workers sync.WaitGroup
}

// NewEngine validates opts and builds an idle engine.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Coordinator == nil {
		return nil, fmt.Errorf("engine requires a coordinator")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("engine requires a task store")
	}
	if opts.Dispatcher == nil {
		return nil, fmt.Errorf("engine requires a dispatcher")
	}
	if err := opts.Queue.Validate(); err != nil {
		return nil, fmt.Errorf("invalid queue config: %w", err)
	}
	if opts.Config.MaxInFlight <= 0 {
		return nil, fmt.Errorf("max in-flight must be positive, got %d", opts.Config.MaxInFlight)
	}
	if opts.Config.TickInterval <= 0 {
		return nil, fmt.Errorf("tick interval must be positive")
	}
	if opts.Gateway == nil {
		opts.Gateway = quality.NewGateway(quality.Options{})
	}
	if opts.Bus == nil {
		opts.Bus = events.NewEventBus()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	return &Engine{
		cfg:         opts.Config,
		coord:       opts.Coordinator,
		gateway:     opts.Gateway,
		store:       opts.Store,
		bus:         opts.Bus,
		dispatcher:  opts.Dispatcher,
		workflows:   opts.Workflows,
		tracer:      opts.Tracer,
		clock:       opts.Clock,
		retry:       RetryPolicy{Base: opts.Config.BackoffBase, Max: opts.Config.BackoffMax},
		tasks:       make(map[string]*scheduler.Task),
		resolver:    scheduler.NewResolver(),
		queue:       scheduler.NewPriorityQueue(opts.Queue),
		locks:       scheduler.NewResourceLockManager(),
		flights:     make(map[string]*flight),
		waiters:     make(map[string][]chan struct{}),
		agentStatus: make(map[string]coordinator.Status),
		failures:    newFailureWindow(opts.Config.HealthWindow),
		dispatches:  uint64(time.Now().UnixNano()),
		commands:    make(chan command),
		results:     make(chan Result, 64),
		verdicts:    make(chan verdict, 16),
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}, nil
}

// Bus returns the event bus transitions are published on.
func (e *Engine) Bus() *events.EventBus {
	return e.bus
}

// Start launches the scheduler goroutine. An engine runs at most once.
func (e *Engine) Start(ctx context.Context) error {
	if e.started {
		return fmt.Errorf("engine already started")
	}
	e.started = true
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.running.Store(true)
	go e.loop()
	return nil
}

// Stop cancels in-flight attempts and waits for the scheduler goroutine
// and pending validations to exit. Interrupted attempts stay in the log as
// running and are reverted by the next recovery.
func (e *Engine) Stop() {
	if !e.running.CompareAndSwap(true, false) {
		return
	}
	e.cancel()
	<-e.done
	e.workers.Wait()
}

// Done is closed when the scheduler goroutine has exited.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

func (e *Engine) loop() {
	defer close(e.done)

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	e.step()
	for {
		select {
		case <-e.ctx.Done():
			e.abandonFlights()
			return
		case cmd := <-e.commands:
			cmd.reply <- cmd.fn()
		case r := <-e.results:
			e.handleResult(r)
		case v := <-e.verdicts:
			e.handleVerdict(v)
		case <-e.wake:
		case <-ticker.C:
			e.publishLoad()
		}
		e.step()
	}
}

// step runs the periodic checks and then fills free capacity.
func (e *Engine) step() {
	now := e.clock()
	e.expireDeadlines(now)
	e.sweepAgents(now)
	e.expireQueueWaits(now)
	e.drainBacklog()
	e.schedule(now)
}

// transition moves t to status to. The record is appended to the store
// first; only then does the in-memory task change and the TaskEvent go
// out. mutate adjusts fields besides the status and is part of the same
// record.
func (e *Engine) transition(t *scheduler.Task, to scheduler.Status, reason string, mutate func(*scheduler.Task)) error {
	from := t.Status
	next := t.Clone()
	if err := scheduler.Apply(next, to, reason, e.clock()); err != nil {
		return err
	}
	if mutate != nil {
		mutate(next)
	}

	rec, err := persistence.TaskTransition(from, next)
	if err != nil {
		return err
	}
	if _, err := e.store.Append(context.Background(), rec); err != nil {
		return fmt.Errorf("persisting %s -> %s for task %q: %w", from, to, t.ID, err)
	}

	*t = *next
	e.bus.Publish(events.TopicTask, events.TaskEvent{
		ID:        t.ID,
		From:      from,
		To:        to,
		Reason:    reason,
		Attempt:   t.Attempt,
		AgentID:   t.AssignedAgent,
		Priority:  t.Priority,
		Timestamp: rec.At,
	})

	if to.IsTerminal() {
		for _, ch := range e.waiters[t.ID] {
			close(ch)
		}
		delete(e.waiters, t.ID)
	}
	return nil
}

// createTask registers a new task. With viaBacklog, an immediately ready
// task that finds the queue full waits in the backlog; otherwise the call
// fails with ErrQueueSaturated and nothing is recorded.
func (e *Engine) createTask(def scheduler.Definition, viaBacklog bool) (*scheduler.Task, error) {
	if def.ID == "" {
		def.ID = newID()
	}
	if def.MaxAttempts == 0 {
		def.MaxAttempts = e.cfg.MaxAttempts
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if err := e.resolver.Check([]scheduler.Node{{ID: def.ID, Deps: def.Dependencies}}); err != nil {
		return nil, err
	}

	ready := true
	for _, dep := range def.Dependencies {
		if t, ok := e.tasks[dep]; !ok || t.Status != scheduler.StatusCompleted {
			ready = false
			break
		}
	}
	if ready && !viaBacklog && !e.hasRoom(def.ID) {
		return nil, fmt.Errorf("%w: %d queued, %d waiting", scheduler.ErrQueueSaturated, e.queue.Len(), len(e.backlog))
	}

	task := scheduler.NewTask(def, e.clock())
	rec, err := persistence.TaskCreated(task)
	if err != nil {
		return nil, err
	}
	if _, err := e.store.Append(context.Background(), rec); err != nil {
		return nil, fmt.Errorf("persisting task %q: %w", task.ID, err)
	}
	if _, err := e.resolver.Register(task.ID, task.Dependencies); err != nil {
		return nil, err
	}
	e.tasks[task.ID] = task

	if !ready {
		reason := fmt.Sprintf("waiting for %v", e.resolver.Pending(task.ID))
		if err := e.transition(task, scheduler.StatusBlocked, reason, nil); err != nil {
			log.Printf("ERROR: task %q: %v", task.ID, err)
		}
		return task, nil
	}
	if err := e.transition(task, scheduler.StatusReady, "no pending dependencies", nil); err != nil {
		log.Printf("ERROR: task %q: %v", task.ID, err)
		return task, nil
	}
	e.admit(task)
	return task, nil
}

func (e *Engine) hasRoom(taskID string) bool {
	return len(e.backlog) == 0 && e.queue.Admit(taskID) == nil
}

// admit queues a Ready task, or parks it in the backlog when the queue is
// full.
func (e *Engine) admit(t *scheduler.Task) {
	if !e.hasRoom(t.ID) {
		e.backlog = append(e.backlog, t.ID)
		return
	}
	if err := e.enqueue(t, "admitted", time.Time{}, nil); err != nil {
		log.Printf("ERROR: task %q: %v", t.ID, err)
	}
}

// enqueue moves t to Queued and inserts it, invisible until notBefore.
func (e *Engine) enqueue(t *scheduler.Task, reason string, notBefore time.Time, mutate func(*scheduler.Task)) error {
	err := e.transition(t, scheduler.StatusQueued, reason, func(next *scheduler.Task) {
		next.NotBefore = notBefore
		if mutate != nil {
			mutate(next)
		}
	})
	if err != nil {
		return err
	}
	e.queue.EnqueueAt(t.ID, t.Priority, t.QueuedAt, notBefore)
	return nil
}

func (e *Engine) drainBacklog() {
	for len(e.backlog) > 0 {
		id := e.backlog[0]
		t, ok := e.tasks[id]
		if !ok || t.Status != scheduler.StatusReady {
			e.backlog = e.backlog[1:]
			continue
		}
		if e.queue.Admit(id) != nil {
			return
		}
		if err := e.enqueue(t, "admitted from backlog", time.Time{}, nil); err != nil {
			log.Printf("ERROR: task %q: %v", id, err)
			return
		}
		e.backlog = e.backlog[1:]
	}
}

func (e *Engine) removeFromBacklog(id string) {
	for i, queued := range e.backlog {
		if queued == id {
			e.backlog = append(e.backlog[:i], e.backlog[i+1:]...)
			return
		}
	}
}

// schedule walks the visible queue in score order and starts every task
// that has a free agent, until MaxInFlight is reached. Tasks without a
// capable agent or with a held resource keep their place.
func (e *Engine) schedule(now time.Time) {
	if len(e.flights) >= e.cfg.MaxInFlight || e.coord.Counts().Idle == 0 {
		return
	}

	for _, entry := range e.queue.Ordered(now) {
		if len(e.flights) >= e.cfg.MaxInFlight {
			return
		}
		t, ok := e.tasks[entry.TaskID]
		if !ok || t.Status != scheduler.StatusQueued {
			e.queue.Remove(entry.TaskID)
			continue
		}
		if !e.locks.Available(t.ID, t.Resources) {
			continue
		}
		agent, err := e.coord.Select(t.RequiredCapabilities)
		if err != nil {
			e.queue.Touch(t.ID)
			continue
		}
		e.start(t, agent.ID, now)
	}
}

// start binds t to agentID and dispatches the attempt. The Assigned record
// already carries the deadline, so a task stuck between the two writes is
// still picked up by expireDeadlines.
func (e *Engine) start(t *scheduler.Task, agentID string, now time.Time) {
	if err := e.coord.Assign(agentID, t.ID); err != nil {
		log.Printf("WARNING: could not assign task %q to agent %q: %v", t.ID, agentID, err)
		e.queue.Touch(t.ID)
		return
	}
	if !e.locks.TryAcquire(t.ID, t.Resources) {
		e.releaseAgent(agentID, t.ID, coordinator.OutcomeCancelled, 0)
		return
	}

	e.dispatches++
	a := Assignment{
		TaskID:   t.ID,
		AgentID:  agentID,
		Attempt:  t.Attempt,
		Dispatch: e.dispatches,
		Category: t.Category,
		Payload:  t.Payload,
		Deadline: now.Add(e.cfg.TaskTimeout),
	}
	err := e.transition(t, scheduler.StatusAssigned, "assigned to agent "+agentID, func(next *scheduler.Task) {
		next.AssignedAgent = agentID
		next.Deadline = a.Deadline
	})
	if err != nil {
		log.Printf("ERROR: task %q: %v", t.ID, err)
		e.locks.ReleaseAll(t.ID)
		e.releaseAgent(agentID, t.ID, coordinator.OutcomeCancelled, 0)
		return
	}
	e.queue.Remove(t.ID)

	ctx, span := e.tracer.Start(e.ctx, "task.execute", trace.WithAttributes(attemptAttributes(a)...))
	f := &flight{assignment: a, started: now, span: span}
	e.flights[t.ID] = f

	if err := e.dispatcher.Dispatch(ctx, a, e.report); err != nil {
		log.Printf("ERROR: dispatching task %q to agent %q: %v", t.ID, agentID, err)
		e.unassign(t, f, "dispatch failed: "+err.Error(), coordinator.OutcomeFailure, err)
		return
	}

	err = e.transition(t, scheduler.StatusExecuting, "dispatched to agent "+agentID, func(next *scheduler.Task) {
		next.Deadline = a.Deadline
	})
	if err != nil {
		log.Printf("ERROR: task %q: %v", t.ID, err)
		e.unassign(t, f, "dispatch not recorded", coordinator.OutcomeCancelled, err)
	}
}

// unassign returns an Assigned or Executing task to Ready and stops its
// attempt. When the write fails the flight stays, and the deadline retries
// the revert.
func (e *Engine) unassign(t *scheduler.Task, f *flight, reason string, outcome coordinator.Outcome, cause error) {
	if err := e.transition(t, scheduler.StatusReady, reason, nil); err != nil {
		log.Printf("ERROR: task %q: %v", t.ID, err)
		return
	}
	e.dispatcher.Cancel(f.assignment)
	e.releaseFlight(f, outcome, 0, cause)
	e.endFlight(t.ID)
	e.admit(t)
}

func (e *Engine) releaseAgent(agentID, taskID string, outcome coordinator.Outcome, took time.Duration) {
	if err := e.coord.Release(agentID, taskID, outcome, took); err != nil && !errors.Is(err, coordinator.ErrUnknownAgent) {
		log.Printf("WARNING: releasing agent %q from task %q: %v", agentID, taskID, err)
	}
}

// releaseFlight ends the execution span of f and hands its agent back.
func (e *Engine) releaseFlight(f *flight, outcome coordinator.Outcome, took time.Duration, cause error) {
	endSpan(f.span, cause)
	f.span = nil
	e.releaseAgent(f.assignment.AgentID, f.assignment.TaskID, outcome, took)
}

// endFlight forgets the flight of taskID, closing its span, stopping a
// pending validation and freeing its resource keys.
func (e *Engine) endFlight(taskID string) {
	f, ok := e.flights[taskID]
	if !ok {
		return
	}
	if f.span != nil {
		f.span.End()
	}
	if f.cancel != nil {
		f.cancel()
	}
	delete(e.flights, taskID)
	e.locks.ReleaseAll(taskID)
}

// handleResult takes an agent's report for the current dispatch of a task.
// Nothing is released until the next status is on disk; a failed write
// leaves the attempt running until its deadline.
func (e *Engine) handleResult(r Result) {
	t, ok := e.tasks[r.TaskID]
	f := e.flights[r.TaskID]
	if !ok || f == nil || t.Status != scheduler.StatusExecuting || t.AssignedAgent != r.AgentID ||
		t.Attempt != r.Attempt || f.assignment.Dispatch != r.Dispatch {
		log.Printf("WARNING: ignoring stale result for task %q from agent %q (attempt %d, dispatch %d)", r.TaskID, r.AgentID, r.Attempt, r.Dispatch)
		return
	}

	now := e.clock()
	e.bus.Publish(events.TopicTask, events.TaskOutputEvent{
		ID:        t.ID,
		AgentID:   r.AgentID,
		Attempt:   r.Attempt,
		Output:    r.Output,
		Duration:  r.Duration,
		Timestamp: now,
	})

	if r.Error != "" {
		if !e.failedAttempt(t, fmt.Sprintf("agent %s reported an error: %s", r.AgentID, r.Error), nil) {
			return
		}
		e.releaseFlight(f, coordinator.OutcomeFailure, r.Duration, errors.New(r.Error))
		e.endFlight(t.ID)
		e.failures.record(now, false)
		return
	}

	err := e.transition(t, scheduler.StatusValidating, "result received from agent "+r.AgentID, func(next *scheduler.Task) {
		next.Artifact = r.Output
		next.Deadline = now.Add(e.cfg.TaskTimeout)
	})
	if err != nil {
		log.Printf("ERROR: task %q: %v", t.ID, err)
		return
	}
	e.releaseFlight(f, coordinator.OutcomeSuccess, r.Duration, nil)
	e.validate(t, f)
}

// validate runs the gateway off the scheduler goroutine and posts the
// verdict back.
func (e *Engine) validate(t *scheduler.Task, f *flight) {
	ctx, cancel := context.WithCancel(e.ctx)
	f.cancel = cancel

	artifact := quality.Artifact{TaskID: t.ID, Category: string(t.Category), Content: t.Artifact}
	attempt, maxAttempts := t.Attempt, t.MaxAttempts
	assignment := f.assignment

	e.workers.Add(1)
	go func() {
		defer e.workers.Done()
		defer cancel()

		ctx, span := e.tracer.Start(ctx, "task.validate", trace.WithAttributes(attemptAttributes(assignment)...))
		start := time.Now()
		result := e.gateway.Evaluate(ctx, artifact, attempt, maxAttempts)
		span.SetAttributes(validationAttributes(result)...)
		span.End()

		select {
		case e.verdicts <- verdict{taskID: artifact.TaskID, attempt: attempt, dispatch: assignment.Dispatch, result: result, took: time.Since(start)}:
		case <-ctx.Done():
		}
	}()
}

func (e *Engine) handleVerdict(v verdict) {
	t, ok := e.tasks[v.taskID]
	f := e.flights[v.taskID]
	if !ok || f == nil || t.Status != scheduler.StatusValidating || t.Attempt != v.attempt || f.assignment.Dispatch != v.dispatch {
		log.Printf("WARNING: ignoring stale verdict for task %q (attempt %d)", v.taskID, v.attempt)
		return
	}

	now := e.clock()
	e.bus.Publish(events.TopicValidation, events.ValidationEvent{
		ID:        t.ID,
		Attempt:   v.attempt,
		Passed:    v.result.Passed,
		Action:    v.result.Action.String(),
		Findings:  len(v.result.Findings),
		Duration:  v.took,
		Timestamp: now,
	})

	findings := v.result.Findings
	switch v.result.Action {
	case quality.ActionAccept:
		err := e.transition(t, scheduler.StatusCompleted, "accepted by quality gateway", func(next *scheduler.Task) {
			next.Findings = findings
			next.FailureReason = ""
		})
		if err != nil {
			log.Printf("ERROR: task %q: %v", t.ID, err)
			return
		}
		e.endFlight(t.ID)
		e.failures.record(now, true)
		e.completed(t)
		return
	case quality.ActionRetry:
		ok = e.retryAttempt(t, "validation failed: "+summarize(v.result.BlockingFindings()), findings)
	default:
		ok = e.fail(t, fmt.Sprintf("%v: %s", ErrValidationRejected, summarize(v.result.BlockingFindings())), findings)
	}
	if !ok {
		return
	}
	e.endFlight(t.ID)
	e.failures.record(now, false)
}

// failedAttempt retries t if budget remains, else fails it terminally. It
// reports whether the new status was recorded.
func (e *Engine) failedAttempt(t *scheduler.Task, reason string, findings []quality.Finding) bool {
	if t.Attempt < t.MaxAttempts {
		return e.retryAttempt(t, reason, findings)
	}
	return e.fail(t, fmt.Sprintf("%s (attempt %d of %d)", reason, t.Attempt, t.MaxAttempts), findings)
}

// retryAttempt re-queues t with the next attempt number after a backoff.
func (e *Engine) retryAttempt(t *scheduler.Task, reason string, findings []quality.Finding) bool {
	delay := e.retry.Delay(t.Attempt)
	notBefore := e.clock().Add(delay)
	note := fmt.Sprintf("%s; retrying as attempt %d of %d in %s", reason, t.Attempt+1, t.MaxAttempts, delay)

	err := e.enqueue(t, note, notBefore, func(next *scheduler.Task) {
		next.Attempt++
		next.FailureReason = reason
		if findings != nil {
			next.Findings = findings
		}
	})
	if err != nil {
		log.Printf("ERROR: task %q: %v", t.ID, err)
		return false
	}
	return true
}

// fail moves t to Failed and blocks its dependents for good.
func (e *Engine) fail(t *scheduler.Task, reason string, findings []quality.Finding) bool {
	err := e.transition(t, scheduler.StatusFailed, reason, func(next *scheduler.Task) {
		next.FailureReason = reason
		if findings != nil {
			next.Findings = findings
		}
	})
	if err != nil {
		log.Printf("ERROR: task %q: %v", t.ID, err)
		return false
	}
	log.Printf("WARNING: task %q failed: %s", t.ID, reason)
	e.cascade(t)
	return true
}

// cascade marks every open transitive dependent of t Blocked-Permanently.
func (e *Engine) cascade(t *scheduler.Task) {
	reason := fmt.Sprintf("dependency %q ended %s", t.ID, t.Status)
	for _, id := range e.resolver.OnTaskFailedTerminally(t.ID) {
		dep, ok := e.tasks[id]
		if !ok || dep.Status != scheduler.StatusBlocked {
			continue
		}
		if err := e.transition(dep, scheduler.StatusBlockedPermanently, reason, nil); err != nil {
			log.Printf("ERROR: task %q: %v", id, err)
		}
	}
}

// completed unblocks dependents and creates workflow follow-ups.
func (e *Engine) completed(t *scheduler.Task) {
	for _, id := range e.resolver.OnTaskCompleted(t.ID) {
		dep, ok := e.tasks[id]
		if !ok || dep.Status != scheduler.StatusBlocked {
			continue
		}
		if err := e.transition(dep, scheduler.StatusReady, "dependencies completed", nil); err != nil {
			log.Printf("ERROR: task %q: %v", id, err)
			continue
		}
		e.admit(dep)
	}

	if e.workflows == nil {
		return
	}
	defs, err := e.workflows.FollowUps(t)
	if err != nil {
		log.Printf("WARNING: workflow follow-ups for task %q: %v", t.ID, err)
	}
	for _, def := range defs {
		if _, err := e.createTask(def, true); err != nil && !errors.Is(err, scheduler.ErrDuplicateTask) {
			log.Printf("WARNING: creating follow-up %q for task %q: %v", def.ID, t.ID, err)
		}
	}
}

// cancelTask cancels any non-terminal task. Running attempts get a
// best-effort cancel signal; the task is Cancelled either way.
func (e *Engine) cancelTask(id, reason string) error {
	t, ok := e.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %q", scheduler.ErrTaskNotFound, id)
	}
	if t.Status.IsTerminal() {
		return fmt.Errorf("%w: task %q is already %s", scheduler.ErrInvalidTransition, id, t.Status)
	}

	running := t.Status == scheduler.StatusAssigned || t.Status == scheduler.StatusExecuting
	if err := e.transition(t, scheduler.StatusCancelled, reason, nil); err != nil {
		return err
	}

	e.queue.Remove(id)
	e.removeFromBacklog(id)
	if f, ok := e.flights[id]; ok {
		if running {
			e.dispatcher.Cancel(f.assignment)
			e.releaseFlight(f, coordinator.OutcomeCancelled, 0, errors.New(reason))
		}
		e.endFlight(id)
	}
	e.cascade(t)
	return nil
}

// reclaim returns a task whose agent disappeared to Ready without counting
// an attempt.
func (e *Engine) reclaim(taskID, agentID, reason string) {
	t, ok := e.tasks[taskID]
	if !ok || t.AssignedAgent != agentID {
		return
	}
	f, ok := e.flights[taskID]
	if !ok || (t.Status != scheduler.StatusAssigned && t.Status != scheduler.StatusExecuting) {
		return
	}
	e.unassign(t, f, reason, coordinator.OutcomeCancelled, errors.New(reason))
}

// expireDeadlines acts on flights past their deadline: an Assigned task goes
// back to Ready, and an attempt still executing or validating counts as
// failed. A flight whose write fails is left for the next step.
func (e *Engine) expireDeadlines(now time.Time) {
	for _, id := range sortedKeys(e.flights) {
		t, f := e.tasks[id], e.flights[id]
		if t == nil || t.Deadline.IsZero() || !now.After(t.Deadline) {
			continue
		}
		agentID := f.assignment.AgentID

		switch t.Status {
		case scheduler.StatusAssigned:
			log.Printf("WARNING: task %q was not dispatched to agent %q before its deadline", id, agentID)
			e.unassign(t, f, "not dispatched before the deadline", coordinator.OutcomeFailure, ErrAgentTimeout)
		case scheduler.StatusExecuting:
			log.Printf("WARNING: task %q exceeded its deadline on agent %q", id, agentID)
			if !e.failedAttempt(t, fmt.Sprintf("%v after %s on agent %s", ErrAgentTimeout, e.cfg.TaskTimeout, agentID), nil) {
				continue
			}
			e.dispatcher.Cancel(f.assignment)
			e.releaseFlight(f, coordinator.OutcomeFailure, now.Sub(f.started), ErrAgentTimeout)
			e.endFlight(id)
			e.failures.record(now, false)
		case scheduler.StatusValidating:
			log.Printf("WARNING: task %q exceeded its deadline in validation", id)
			if !e.failedAttempt(t, fmt.Sprintf("validation not finished within %s", e.cfg.TaskTimeout), nil) {
				continue
			}
			e.endFlight(id)
			e.failures.record(now, false)
		}
	}
}

// sweepAgents takes offline agents out of service and reclaims their tasks.
func (e *Engine) sweepAgents(now time.Time) {
	for _, rel := range e.coord.Sweep(now) {
		e.reclaim(rel.TaskID, rel.AgentID, fmt.Sprintf("agent %s went offline", rel.AgentID))
	}
	e.syncAgents(now)
}

// syncAgents publishes agent status changes since the last call and
// records the ones that survive a restart.
func (e *Engine) syncAgents(now time.Time) {
	seen := make(map[string]bool, len(e.agentStatus))
	for _, a := range e.coord.List() {
		seen[a.ID] = true
		prev, known := e.agentStatus[a.ID]
		if known && prev == a.Status {
			continue
		}
		e.agentStatus[a.ID] = a.Status
		if !known {
			continue
		}

		if prev == coordinator.StatusOffline || a.Status == coordinator.StatusOffline {
			rec, err := persistence.AgentStatusChanged(a, prev, now)
			if err == nil {
				_, err = e.store.Append(context.Background(), rec)
			}
			if err != nil {
				log.Printf("ERROR: recording status of agent %q: %v", a.ID, err)
			}
		}
		e.bus.Publish(events.TopicAgent, events.AgentEvent{
			AgentID:   a.ID,
			Status:    a.Status,
			Task:      a.CurrentTask,
			Timestamp: now,
		})
	}
	for id := range e.agentStatus {
		if !seen[id] {
			delete(e.agentStatus, id)
		}
	}
}

// expireQueueWaits fails tasks that stayed visible in the queue longer than
// MaxQueueWait.
func (e *Engine) expireQueueWaits(now time.Time) {
	if e.cfg.MaxQueueWait <= 0 {
		return
	}
	for _, entry := range e.queue.Ordered(now) {
		if now.Sub(entry.EnqueuedAt) <= e.cfg.MaxQueueWait {
			continue
		}
		t, ok := e.tasks[entry.TaskID]
		if !ok {
			e.queue.Remove(entry.TaskID)
			continue
		}
		reason := fmt.Sprintf("not scheduled within %s (%d scheduling attempts)", e.cfg.MaxQueueWait, entry.Attempts)
		if e.fail(t, reason, nil) {
			e.queue.Remove(t.ID)
		}
	}
}

// abandonFlights signals every running attempt on shutdown.
func (e *Engine) abandonFlights() {
	for _, id := range sortedKeys(e.flights) {
		if t := e.tasks[id]; t != nil && (t.Status == scheduler.StatusAssigned || t.Status == scheduler.StatusExecuting) {
			e.dispatcher.Cancel(e.flights[id].assignment)
		}
		e.endFlight(id)
	}
}

func (e *Engine) publishLoad() {
	e.bus.Publish(events.TopicQueue, events.QueueEvent{
		Depth:     e.queue.Len(),
		InFlight:  len(e.flights),
		Backlog:   len(e.backlog),
		Timestamp: e.clock(),
	})
}
