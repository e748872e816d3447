package rpcpool

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff wraps backoff.ExponentialBackOff for the Exhausted/Transient retry
// sleeps in worker loops: each Next call returns a randomized interval (the
// library's default ±50% jitter) around a base interval that grows
// geometrically up to the configured maximum, and Reset drops the base back
// to the initial interval once a
// cycle succeeds or goes idle, so a transient blip doesn't leave a worker
// permanently slow.
type Backoff struct {
	b *backoff.ExponentialBackOff
}

// NewBackoff builds a Backoff seeded at initial, growing geometrically toward
// max. The backoff never gives up on its own; the caller's loop decides when
// to stop retrying.
func NewBackoff(initial, max time.Duration) *Backoff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.MaxElapsedTime = 0
	b.Reset()
	return &Backoff{b: b}
}

// Next returns the next retry interval and advances the backoff state.
func (bo *Backoff) Next() time.Duration {
	d := bo.b.NextBackOff()
	if d == backoff.Stop {
		return bo.b.MaxInterval
	}
	return d
}

// Reset drops the backoff back to its initial interval.
func (bo *Backoff) Reset() {
	bo.b.Reset()
}
