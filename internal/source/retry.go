package source

import (
	"math/rand"
	"time"
)

// RetryPolicy computes retry delays as a pure function of the attempt count
// and the server's prior hint, so the policy is testable without I/O.
type RetryPolicy struct {
	// Floors are minimum delays for successive attempts
	Floors []time.Duration
	// Cap bounds computed delays unless the server specifies longer
	Cap time.Duration
	// Margin is added on top of a server-advertised wait time
	Margin time.Duration
	// JitterFraction widens computed delays by ±fraction; zero disables
	JitterFraction float64
}

// DefaultRetryPolicy returns the standard backoff policy
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Floors:         []time.Duration{5 * time.Second, 10 * time.Second, 30 * time.Second},
		Cap:            60 * time.Second,
		Margin:         time.Second,
		JitterFraction: 0.2,
	}
}

// Delay returns how long to wait before retrying the given zero-based
// attempt. When the server advertised a wait time, that wins (plus a small
// safety margin) and may exceed the cap; otherwise the delay grows
// exponentially with escalating floors, jittered, and capped.
func (p RetryPolicy) Delay(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return retryAfter + p.Margin
	}

	delay := time.Second << uint(attempt)
	if floor := p.floor(attempt); delay < floor {
		delay = floor
	}
	if p.Cap > 0 && delay > p.Cap {
		delay = p.Cap
	}
	if p.JitterFraction > 0 {
		span := float64(delay) * p.JitterFraction
		delay += time.Duration((rand.Float64()*2 - 1) * span)
	}
	// Jitter widens upward too; the cap is the hard ceiling either way
	if p.Cap > 0 && delay > p.Cap {
		delay = p.Cap
	}
	return delay
}

func (p RetryPolicy) floor(attempt int) time.Duration {
	if len(p.Floors) == 0 {
		return 0
	}
	if attempt >= len(p.Floors) {
		return p.Floors[len(p.Floors)-1]
	}
	return p.Floors[attempt]
}
