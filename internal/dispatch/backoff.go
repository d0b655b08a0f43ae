package dispatch

import (
	"math/rand"
	"time"
)

// Retry schedule bounds.
const (
	retryBase    = 2 * time.Second
	retryCeiling = 300 * time.Second
	retryFloor   = 250 * time.Millisecond
	jitterFrac   = 0.2
)

// MaxAttempts is the dead-letter cap: items that fail this many times
// are skipped on subsequent reconciles.
const MaxAttempts = 15

// RetryDelay computes the delay before the next attempt, given the
// number of attempts already made: 2s doubling per attempt, ±20%
// uniform jitter, then clamped to [250ms, 300s]. The clamp is applied
// after jitter so the ceiling attempt never exceeds 300s.
func RetryDelay(attempts int, rng *rand.Rand) time.Duration {
	exp := attempts - 1
	if exp < 0 {
		exp = 0
	}
	raw := retryCeiling
	if exp < 30 {
		if d := retryBase << uint(exp); d < retryCeiling {
			raw = d
		}
	}
	jitter := 1 + (rng.Float64()*2-1)*jitterFrac
	d := time.Duration(float64(raw) * jitter)
	if d < retryFloor {
		d = retryFloor
	}
	if d > retryCeiling {
		d = retryCeiling
	}
	return d
}
