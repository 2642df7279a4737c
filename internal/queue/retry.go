package queue

import "time"

const (
	// BaseRetryDelay is the unit of the exponential schedule.
	BaseRetryDelay = 60 * time.Second

	// MaxRetryDelay caps a single retry delay.
	MaxRetryDelay = 24 * time.Hour
)

// Decision is the outcome of a retry evaluation after a failed send.
type Decision struct {
	NextRetryCount int
	Terminal       bool
	Delay          time.Duration
}

// Decide evaluates the retry policy for a record that has failed retryCount
// times before the current attempt. The attempt that just failed is counted,
// so NextRetryCount is always retryCount+1. The record is terminal once
// NextRetryCount reaches maxRetries; otherwise it is retried after
// 2^NextRetryCount minutes, capped at MaxRetryDelay.
func Decide(retryCount, maxRetries int) Decision {
	next := retryCount + 1
	if next >= maxRetries {
		return Decision{NextRetryCount: next, Terminal: true}
	}
	return Decision{NextRetryCount: next, Delay: Backoff(next)}
}

// Backoff returns 2^n * BaseRetryDelay, capped at MaxRetryDelay.
func Backoff(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	// 2^11 minutes already exceeds a day.
	if n > 10 {
		return MaxRetryDelay
	}
	d := time.Duration(1<<uint(n)) * BaseRetryDelay
	if d > MaxRetryDelay {
		return MaxRetryDelay
	}
	return d
}
