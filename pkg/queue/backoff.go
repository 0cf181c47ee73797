package queue

import "time"

// Backoff returns the delay before retry number retry (0-based).
// base * 2^retry, capped at max.
func Backoff(base, max time.Duration, retry int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = time.Minute
	}
	if retry < 0 {
		return base
	}
	// 2^30s already exceeds any sane cap
	if retry > 30 {
		return max
	}
	d := base * time.Duration(1<<retry)
	if d > max {
		return max
	}
	return d
}
