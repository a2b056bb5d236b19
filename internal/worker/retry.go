package worker

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff describes how the outbox spaces out redelivery of a failed notification.
type Backoff struct {
	Attempts int           // dead-letter after this many failed sends
	Base     time.Duration // delay after the first failure
	Cap      time.Duration
	Factor   float64
	// Jitter spreads the delay by ±Jitter*delay, in [0, 1).
	Jitter float64
}

// DefaultBackoff is used by the engine commands.
func DefaultBackoff() Backoff {
	return Backoff{Attempts: 5, Base: 2 * time.Second, Cap: time.Minute, Factor: 2, Jitter: 0.1}
}

func (b Backoff) normalized() Backoff {
	if b.Attempts <= 0 {
		b.Attempts = 5
	}
	if b.Base <= 0 {
		b.Base = 2 * time.Second
	}
	if b.Cap <= 0 {
		b.Cap = time.Minute
	}
	if b.Factor < 1 {
		b.Factor = 2
	}
	if b.Jitter < 0 || b.Jitter >= 1 {
		b.Jitter = 0
	}
	return b
}

// Exhausted reports whether a message that already failed `failures` times goes to the dead letter.
func (b Backoff) Exhausted(failures int) bool {
	return failures >= b.Attempts
}

// Delay returns the wait before retry number `failures` (1-based), capped and jittered.
func (b Backoff) Delay(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	d := float64(b.Base) * math.Pow(b.Factor, float64(failures-1))
	if d > float64(b.Cap) || math.IsInf(d, 0) {
		d = float64(b.Cap)
	}
	if b.Jitter > 0 {
		d += d * b.Jitter * (2*rand.Float64() - 1)
	}
	return time.Duration(d)
}
