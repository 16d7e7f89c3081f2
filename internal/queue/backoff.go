package queue

import (
	"math/rand"
	"time"
)

// RetryStrategy computes the delay before the next delivery of a failed task.
type RetryStrategy interface {
	// NextRetry returns the delay after the given failed attempt, 1-based.
	NextRetry(attempt int) time.Duration
}

// ExponentialBackoff grows the delay geometrically up to MaxDelay. A ±20%
// jitter is applied so that tasks failing together do not retry together.
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultBackoff matches the configuration defaults.
func DefaultBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialDelay: time.Second,
		MaxDelay:     5 * time.Minute,
		Multiplier:   2,
	}
}

// NextRetry calculates the next retry delay using exponential backoff.
func (s *ExponentialBackoff) NextRetry(attempt int) time.Duration {
	delay := s.base(attempt)
	jitter := 0.8 + rand.Float64()*0.4
	d := time.Duration(float64(delay) * jitter)
	if d > s.MaxDelay {
		d = s.MaxDelay
	}
	if d < 0 {
		d = s.MaxDelay
	}
	return d
}

// base is the un-jittered delay, non-decreasing in attempt and capped.
func (s *ExponentialBackoff) base(attempt int) time.Duration {
	delay := float64(s.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= s.Multiplier
		if delay >= float64(s.MaxDelay) {
			return s.MaxDelay
		}
	}
	if delay > float64(s.MaxDelay) {
		return s.MaxDelay
	}
	return time.Duration(delay)
}
