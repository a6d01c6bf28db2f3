package procmgr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJitter(t *testing.T) {
	baseDelay := 1 * time.Second

	assert.Equal(t, baseDelay, Jitter(baseDelay, 0.0))

	// 50% jitter - between 0.5s and 1.5s
	for i := 0; i < 100; i++ {
		result := Jitter(baseDelay, 0.5)
		assert.GreaterOrEqual(t, result, 500*time.Millisecond)
		assert.LessOrEqual(t, result, 1500*time.Millisecond)
	}

	// fractions above 1 are clamped
	for i := 0; i < 100; i++ {
		result := Jitter(baseDelay, 3.0)
		assert.GreaterOrEqual(t, result, time.Duration(0))
		assert.LessOrEqual(t, result, 2*time.Second)
	}
}

func TestExponentialBackoff(t *testing.T) {
	baseDelay := 500 * time.Millisecond
	maxDelay := 30 * time.Second

	tests := []struct {
		attempt     int
		minExpected time.Duration
		maxExpected time.Duration
	}{
		{0, 375 * time.Millisecond, 625 * time.Millisecond},   // 500ms ± 25%
		{1, 750 * time.Millisecond, 1250 * time.Millisecond},  // 1s ± 25%
		{3, 3000 * time.Millisecond, 5000 * time.Millisecond}, // 4s ± 25%
		{6, 22500 * time.Millisecond, 30 * time.Second},
		{100, 22500 * time.Millisecond, 30 * time.Second},
	}

	for _, tt := range tests {
		result := ExponentialBackoff(tt.attempt, baseDelay, maxDelay)
		assert.GreaterOrEqual(t, result, tt.minExpected,
			"Attempt %d should be >= %v, got %v", tt.attempt, tt.minExpected, result)
		assert.LessOrEqual(t, result, tt.maxExpected,
			"Attempt %d should be <= %v, got %v", tt.attempt, tt.maxExpected, result)
	}
}

func TestExponentialBackoff_NegativeAttempt(t *testing.T) {
	result := ExponentialBackoff(-5, time.Second, time.Minute)

	assert.GreaterOrEqual(t, result, 750*time.Millisecond)
	assert.LessOrEqual(t, result, 1250*time.Millisecond)
}

func TestExponentialBackoff_NeverExceedsMax(t *testing.T) {
	maxDelay := 30 * time.Second

	for i := 0; i < 200; i++ {
		for _, attempt := range []int{5, 6, 10, 62} {
			result := ExponentialBackoff(attempt, 500*time.Millisecond, maxDelay)
			assert.LessOrEqual(t, result, maxDelay, "attempt %d", attempt)
		}
	}
}
