package orchestrator

import (
	"context"
)

// command is a mutation or query executed on the scheduler goroutine.
type command struct {
	fn    func() error
	reply chan error
}

// do runs fn on the scheduler goroutine and waits for it. It respects ctx
// at both the send and the receive stage; fn may still run after ctx is
// done if it was already accepted.
func (e *Engine) do(ctx context.Context, fn func() error) error {
	if !e.running.Load() {
		return ErrEngineStopped
	}

	cmd := command{fn: fn, reply: make(chan error, 1)}
	select {
	case e.commands <- cmd:
	case <-e.done:
		return ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-cmd.reply:
		return err
	case <-e.done:
		select {
		case err := <-cmd.reply:
			return err
		default:
			return ErrEngineStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// report hands a result to the scheduler goroutine.
func (e *Engine) report(r Result) {
	select {
	case e.results <- r:
	case <-e.done:
	}
}

// poke wakes the scheduler goroutine without blocking, e.g. after an agent
// became available outside of it.
func (e *Engine) poke() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}
