// Package backoff computes retry delays: exponential growth capped at a
// maximum, plus additive uniform jitter so independent clients do not retry
// in lockstep.
package backoff

import (
	"math/rand"
	"time"
)

// jitterFraction is the upper bound of the random addition, as a fraction
// of the computed delay. Jitter only ever lengthens a delay.
const jitterFraction = 0.25

// Delay returns the wait before retry attempt n (1-indexed):
// min(max, initial * multiplier^(n-1)) plus a uniform random value in
// [0, delay/4].
func Delay(attempt int, initial, max time.Duration, multiplier float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// Cap the exponent so the float math cannot overflow.
	if attempt > 31 {
		attempt = 31
	}

	delay := time.Duration(float64(initial) * pow(multiplier, attempt-1))
	if delay < 0 || delay > max {
		delay = max
	}

	jitter := time.Duration(rand.Float64() * jitterFraction * float64(delay))
	return delay + jitter
}

func pow(base float64, exponent int) float64 {
	result := 1.0
	for i := 0; i < exponent; i++ {
		result *= base
	}
	return result
}
