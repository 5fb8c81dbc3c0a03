package queuectl

import (
	"math"
	"time"
)

// BackoffStrategy computes the delay a worker imposes on itself after a
// failed attempt, before its next claim. Strategies are stateless and safe
// for concurrent use.
type BackoffStrategy interface {
	// Delay returns how long to wait after attempt n (1-indexed).
	Delay(attempt int) time.Duration
}

// ConstantBackoff always returns the same delay regardless of attempt number.
// Useful in tests where real sleeps would slow the suite.
type ConstantBackoff struct {
	Interval time.Duration
}

// Delay returns the fixed interval.
func (c ConstantBackoff) Delay(_ int) time.Duration {
	return c.Interval
}

// ExponentialBackoff doubles the delay each attempt.
// Delay = min(Base * 2^(attempt-1), Max).
type ExponentialBackoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns Base * 2^(attempt-1), capped at Max.
func (e ExponentialBackoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(e.Base) * math.Pow(2, float64(attempt-1)))
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}
