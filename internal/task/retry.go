package task

import (
	"math"
	"time"
)

// RetryPolicy implements the exact backoff law from spec §4.4/§8:
// delay(n) = min(base * 2^(n-1), cap), no jitter — the boundary property
// in spec §8 pins the formula down exactly, so no randomization is added.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultRetryPolicy mirrors the defaults named in spec §6.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseBackoff: 5 * time.Minute,
		MaxBackoff:  1 * time.Hour,
	}
}

// Backoff returns the delay before a task becomes eligible again after its
// n-th failed attempt (n >= 1).
func (p RetryPolicy) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := float64(p.BaseBackoff) * math.Pow(2, float64(attempts-1))
	if ceiling := float64(p.MaxBackoff); d > ceiling {
		d = ceiling
	}
	return time.Duration(d)
}
