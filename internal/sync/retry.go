package sync

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	retryInitialInterval = time.Minute
	retryMultiplier      = 2
	retryMaxInterval     = time.Hour
	// retryRandomization spreads retries ±10% so restarts after an outage
	// do not hammer the replica in lockstep.
	retryRandomization = 0.1
)

// RetryPolicy schedules the delay before re-draining the queue after a batch
// with transient failures. Delays double per consecutive failed batch up to
// the cap; a fully successful batch resets the ladder.
type RetryPolicy struct {
	b *backoff.ExponentialBackOff
}

// NewRetryPolicy returns the production policy: 1m initial, doubling, 60m
// cap, ±10% jitter.
func NewRetryPolicy() *RetryPolicy {
	return newRetryPolicy(retryRandomization)
}

func newRetryPolicy(randomization float64) *RetryPolicy {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	b.RandomizationFactor = randomization
	b.Multiplier = retryMultiplier
	b.MaxInterval = retryMaxInterval
	b.Reset()
	return &RetryPolicy{b: b}
}

// Next returns the delay before the next drain attempt and advances the
// ladder.
func (p *RetryPolicy) Next() time.Duration {
	return p.b.NextBackOff()
}

// Reset restores the initial delay.
func (p *RetryPolicy) Reset() {
	p.b.Reset()
}
