// Package backoff computes exponentially increasing retry delays with a
// ceiling. A single client talks to one backend, so jitter is optional
// and off by default.
package backoff

import (
	"math/rand"
	"time"
)

const (
	DefaultBase = time.Second
	DefaultCap  = 30 * time.Second
)

// Policy describes one exponential backoff curve.
type Policy struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter bool
}

// Delay returns min(Base * 2^attempt, Cap) for attempt >= 0, with up to
// half the delay added as jitter when enabled.
func (p Policy) Delay(attempt int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = DefaultBase
	}
	cap := p.Cap
	if cap <= 0 {
		cap = DefaultCap
	}
	if attempt < 0 {
		attempt = 0
	}

	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			d = cap
			break
		}
	}
	if d > cap {
		d = cap
	}
	if p.Jitter && d > 0 {
		d += time.Duration(rand.Int63n(int64(d/2 + 1)))
	}
	return d
}

// Timer tracks consecutive failures for one channel.
type Timer struct {
	policy  Policy
	attempt int
}

func NewTimer(p Policy) *Timer {
	return &Timer{policy: p}
}

// Next returns the delay for the current attempt and advances the
// counter.
func (t *Timer) Next() time.Duration {
	d := t.policy.Delay(t.attempt)
	t.attempt++
	return d
}

// Attempt returns how many delays have been handed out since the last
// Reset.
func (t *Timer) Attempt() int {
	return t.attempt
}

// Reset zeroes the attempt counter. Called on a successful transition to
// active.
func (t *Timer) Reset() {
	t.attempt = 0
}
