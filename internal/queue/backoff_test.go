package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponentialBackoffGrowth(t *testing.T) {
	s := &ExponentialBackoff{
		InitialDelay: time.Second,
		MaxDelay:     time.Minute,
		Multiplier:   2,
	}

	// The un-jittered series is non-decreasing and capped.
	prev := time.Duration(0)
	for attempt := 1; attempt <= 10; attempt++ {
		d := s.base(attempt)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		assert.LessOrEqual(t, d, s.MaxDelay, "attempt %d", attempt)
		prev = d
	}
	assert.Equal(t, time.Second, s.base(1))
	assert.Equal(t, 2*time.Second, s.base(2))
	assert.Equal(t, 8*time.Second, s.base(4))
	assert.Equal(t, time.Minute, s.base(10))
}

func TestExponentialBackoffJitterBounds(t *testing.T) {
	s := &ExponentialBackoff{
		InitialDelay: time.Second,
		MaxDelay:     time.Hour,
		Multiplier:   2,
	}

	for i := 0; i < 100; i++ {
		d := s.NextRetry(3)
		base := s.base(3)
		assert.GreaterOrEqual(t, d, time.Duration(float64(base)*0.8))
		assert.Less(t, d, time.Duration(float64(base)*1.2))
	}
}

func TestExponentialBackoffCapAppliesAfterJitter(t *testing.T) {
	s := &ExponentialBackoff{
		InitialDelay: time.Second,
		MaxDelay:     4 * time.Second,
		Multiplier:   2,
	}
	for i := 0; i < 100; i++ {
		assert.LessOrEqual(t, s.NextRetry(20), s.MaxDelay)
	}
}
