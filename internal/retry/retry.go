// Package retry implements the exponential backoff policy the queue manager
// uses to space out repeat attempts of transiently failed tasks.
package retry

import (
	"math"
	"math/rand"
	"time"
)

// Policy computes backoff delays. All methods are pure; the caller owns
// timers and persistence.
type Policy struct {
	BaseDelay    time.Duration // Delay before the first retry
	MaxDelay     time.Duration // Upper bound for the exponential growth
	Multiplier   float64       // Growth factor per attempt
	JitterFactor float64       // Fraction of the delay randomized in both directions
}

// DefaultPolicy returns the backoff applied to task execution retries.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:    5 * time.Second,
		MaxDelay:     10 * time.Minute,
		Multiplier:   2.0,
		JitterFactor: 0.2,
	}
}

// Delay returns the deterministic backoff for the given zero-based retry
// attempt: BaseDelay * Multiplier^attempt, capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 2.0
	}

	delay := time.Duration(float64(base) * math.Pow(multiplier, float64(attempt)))
	if p.MaxDelay > 0 && (delay > p.MaxDelay || delay <= 0) {
		// delay <= 0 catches overflow at high attempt counts.
		delay = p.MaxDelay
	}
	return delay
}

// NextDelay returns Delay(attempt) perturbed by up to ±JitterFactor, so
// simultaneously failing tasks do not retry in lockstep.
func (p Policy) NextDelay(attempt int) time.Duration {
	delay := p.Delay(attempt)
	if p.JitterFactor <= 0 {
		return delay
	}

	jitter := p.JitterFactor * (2*rand.Float64() - 1)
	return time.Duration(float64(delay) * (1 + jitter))
}

// ShouldRetry reports whether a task that has made attemptCount attempts is
// still within its retry budget.
func (p Policy) ShouldRetry(attemptCount, maxAttempts int) bool {
	return attemptCount < maxAttempts
}
