// Package backoff computes retry delays for failed task attempts.
//
// The delay curve is exponential with a cap: min(max, base * 2^(attempt-1)),
// plus ±20% jitter derived deterministically from the task ID and attempt
// number, so a given retry always lands on the same slot and tests can
// assert exact values.
package backoff

import (
	"hash/fnv"
	"strconv"
	"time"
)

const (
	// DefaultBase is the first-retry delay.
	DefaultBase = 1 * time.Second
	// DefaultMax caps the exponential curve.
	DefaultMax = 60 * time.Second

	// jitterPercent is the half-width of the jitter band around the
	// exponential delay.
	jitterPercent = 20
)

// Delay returns the backoff delay before retry number attempt.
// attempt is the attempt number being scheduled (1 = first retry).
// Jitter keeps the result within ±20% of the capped exponential value.
func Delay(taskID string, attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		base = DefaultBase
	}
	if max <= 0 {
		max = DefaultMax
	}

	exp := Exponential(attempt, base, max)

	span := exp * jitterPercent / 100
	if span <= 0 {
		return exp
	}
	offset := time.Duration(jitterSource(taskID, attempt)%uint64(2*span+1)) - span
	return exp + offset
}

// Exponential returns the capped exponential delay with no jitter applied.
// It is monotone non-decreasing in attempt and never exceeds max.
func Exponential(attempt int, base, max time.Duration) time.Duration {
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

func jitterSource(taskID string, attempt int) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(taskID + ":" + strconv.Itoa(attempt)))
	return h.Sum64()
}
