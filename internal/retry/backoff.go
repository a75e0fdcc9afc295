package retry

import "time"

// ExponentialBackoff returns delay based on attempt number.
// The delay doubles with each attempt: base * 2^attempt
func ExponentialBackoff(attempt int, base time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30
	}
	return base * (1 << attempt)
}

// Backoff returns the delay before redelivering a job whose delivery number
// attempt (1-based) just failed. The first retry waits base, each following
// one doubles, and no delay exceeds max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	d := ExponentialBackoff(attempt-1, base)
	if max > 0 && (d > max || d <= 0) {
		return max
	}
	return d
}
