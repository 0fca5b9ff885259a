// Package backoff provides the exponential delay policy shared by the queue
// retry scheduler, the notification channel reconnect loop, and the waiter
// registry's fallback polling. Policies are stateless and safe for concurrent
// use.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Policy computes delay(attempt) = min(Base * Factor^(attempt-1), Cap),
// spread by up to ±JitterFraction of the computed delay. Attempt 1 is the
// first retry after the initial failure.
type Policy struct {
	Base           time.Duration
	Factor         float64
	Cap            time.Duration
	JitterFraction float64
}

// New creates a backoff policy. Factor <= 1 degenerates to a constant delay.
func New(base time.Duration, factor float64, cap time.Duration, jitterFraction float64) Policy {
	return Policy{Base: base, Factor: factor, Cap: cap, JitterFraction: jitterFraction}
}

// Delay returns the wait before retry attempt n (1-indexed).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := float64(p.Base)
	if p.Factor > 1 {
		d = float64(p.Base) * math.Pow(p.Factor, float64(attempt-1))
	}
	if p.Cap > 0 && d > float64(p.Cap) {
		d = float64(p.Cap)
	}

	if p.JitterFraction > 0 {
		// Jitter spreads simultaneous retries; non-crypto rand is fine here.
		spread := d * p.JitterFraction
		d = d - spread + rand.Float64()*2*spread
		if d < 0 {
			d = 0
		}
	}

	return time.Duration(d)
}

// QueueRetry is the delay policy for redelivering failed jobs.
func QueueRetry() Policy {
	return New(5*time.Second, 2, 5*time.Minute, 0.2)
}

// Reconnect is the delay policy for re-establishing dropped broker
// connections: base 1s, doubling, capped at 30s, up to ±1s of jitter.
func Reconnect() Policy {
	return New(time.Second, 2, 30*time.Second, 0.1)
}

// Poll is the delay policy for fallback completion polling: start 5s,
// grow ×1.75, cap 60s.
func Poll() Policy {
	return New(5*time.Second, 1.75, time.Minute, 0)
}
