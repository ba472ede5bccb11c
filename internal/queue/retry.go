package queue

import (
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy controls how failed tasks are re-enqueued.
type RetryPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Jitter    bool
	// Limit caps how many tasks one RetryFailed call re-enqueues.
	Limit int
}

// DefaultRetryPolicy returns the built-in policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay: 30 * time.Second,
		MaxDelay:  15 * time.Minute,
		Jitter:    true,
		Limit:     100,
	}
}

// Backoff returns the delay before attempt number next (2 for the first
// retry): BaseDelay * 2^(next-2), capped at MaxDelay. With Jitter the delay
// is scaled into [50%, 100%].
func (p RetryPolicy) Backoff(next int) time.Duration {
	if next < 2 {
		next = 2
	}
	delay := p.MaxDelay
	if f := float64(p.BaseDelay) * math.Pow(2, float64(next-2)); f < float64(p.MaxDelay) {
		delay = time.Duration(f)
	}
	if p.Jitter {
		delay = time.Duration(float64(delay) * (0.5 + rand.Float64()*0.5))
	}
	return delay
}
