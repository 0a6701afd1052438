package orchestrator

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy computes how long a failed attempt waits before it becomes
// visible in the queue again.
type RetryPolicy struct {
	Base time.Duration // Delay unit
	Max  time.Duration // Upper bound of any delay
}

// Delay returns min(Base * 2^attempt, Max) for the attempt that just
// failed. No jitter: retries of one task are strictly spaced.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.MaxInterval = p.Max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	if d > p.Max {
		d = p.Max
	}
	return d
}
