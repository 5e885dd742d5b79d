package persist

import (
	"time"
)

// RetryPolicy bounds how long a single store operation may be retried.
type RetryPolicy struct {
	MaxAttempts    int
	AttemptTimeout time.Duration
	BaseDelay      time.Duration
	MaxDelay       time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    5,
		AttemptTimeout: 5 * time.Second,
		BaseDelay:      200 * time.Millisecond,
		MaxDelay:       5 * time.Second,
	}
}

// Delay returns the wait before retry number n (0 for the first retry):
// BaseDelay*2^n, capped at MaxDelay.
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := p.BaseDelay
	for i := 0; i < n; i++ {
		d *= 2
		if d >= p.MaxDelay || d <= 0 {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}
