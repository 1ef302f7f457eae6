package domain

import (
	"math/rand"
	"time"
)

// MaxBackoffCap bounds the exponential schedule regardless of attempt count.
const MaxBackoffCap = time.Hour

// BackoffPolicy maps an attempt index to the delay before the next retry.
// The schedule is fixed exponential: delay_n = Base * 2^n, clamped at Max.
type BackoffPolicy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter bool
}

// NewBackoffPolicy builds a policy from the per-queue base delay. Only Base
// and the attempt cap vary per queue; the exponential kind is fixed.
func NewBackoffPolicy(base time.Duration, jitter bool) BackoffPolicy {
	return BackoffPolicy{Base: base, Max: MaxBackoffCap, Jitter: jitter}
}

// Delay returns the wait before the retry following attempt index n, where n
// is AttemptsMade at the time of the failure (0-based).
func (p BackoffPolicy) Delay(n int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	max := p.Max
	if max <= 0 {
		max = MaxBackoffCap
	}
	d := p.Base
	for i := 0; i < n; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	if d > max {
		d = max
	}
	if p.Jitter && d > 0 {
		// Additive jitter up to +50%. The exponential value stays the lower
		// bound so retry spacing never undershoots the schedule.
		d += time.Duration(rand.Int63n(int64(d)/2 + 1)) //nolint:gosec // jitter, not crypto
		if d > max {
			d = max
		}
	}
	return d
}
