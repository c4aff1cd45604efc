package replication

import (
	"math"
	"math/rand"
	"time"
)

const (
	DefaultBackoffBase   = 2 * time.Second
	DefaultBackoffMax    = 5 * time.Minute
	DefaultBackoffJitter = 0.2
)

// Backoff computes the wait before retrying a peer after consecutive
// failures. A zero Jitter means DefaultBackoffJitter; a negative one turns
// jitter off.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

func (b Backoff) withDefaults() Backoff {
	if b.Base <= 0 {
		b.Base = DefaultBackoffBase
	}
	if b.Max < b.Base {
		b.Max = DefaultBackoffMax
		if b.Max < b.Base {
			b.Max = b.Base
		}
	}
	if b.Jitter == 0 || b.Jitter >= 1 {
		b.Jitter = DefaultBackoffJitter
	}
	return b
}

// Delay returns the wait after the given number of consecutive failures
// (1 for the first).
func (b Backoff) Delay(failures int) time.Duration {
	b = b.withDefaults()
	if failures < 1 {
		return 0
	}

	// Exponential backoff: base * 2^(failures-1)
	delay := float64(b.Base) * math.Pow(2, float64(failures-1))
	if delay > float64(b.Max) {
		delay = float64(b.Max)
	}

	// Add jitter (±Jitter)
	if b.Jitter > 0 {
		delay += delay * b.Jitter * (2*rand.Float64() - 1)
	}
	return time.Duration(delay)
}
