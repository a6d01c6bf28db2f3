package procmgr

import (
	"math"
	"math/rand"
	"time"
)

// Jitter adds random jitter to a duration to prevent thundering herd
// jitterFraction is between 0.0 (no jitter) and 1.0 (up to 100% jitter)
func Jitter(duration time.Duration, jitterFraction float64) time.Duration {
	if jitterFraction <= 0 {
		return duration
	}
	if jitterFraction > 1.0 {
		jitterFraction = 1.0
	}

	jitter := rand.Float64() * jitterFraction

	// duration * (1 ± jitter)
	multiplier := 1.0 + (jitter * 2.0) - jitterFraction
	return time.Duration(float64(duration) * multiplier)
}

// ExponentialBackoff calculates the delay before retry number attempt
// (0-indexed): baseDelay * 2^attempt with ±25% jitter, never above maxDelay.
func ExponentialBackoff(attempt int, baseDelay, maxDelay time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// 2^62 already overflows any sane base
	if attempt > 62 {
		attempt = 62
	}

	multiplier := math.Pow(2, float64(attempt))
	delay := time.Duration(float64(baseDelay) * multiplier)

	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}

	delay = Jitter(delay, 0.25)
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}
