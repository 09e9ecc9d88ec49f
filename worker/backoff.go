package worker

import "time"

// Backoff returns the retry delay for the given attempt number (1-based):
// min(base * 2^(attempt-1), max). Monotone non-decreasing and capped.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
