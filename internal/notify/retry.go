package notify

import (
	"math"
	"time"
)

// Strategy defines the attempt-counted retry behavior applied uniformly by
// the worker pool. The schedule is delay = BaseDelay * Multiplier^(attempt-1),
// capped at MaxDelay.
type Strategy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

func NewStrategy(maxAttempts int, baseDelay time.Duration, multiplier float64) Strategy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return Strategy{
		MaxAttempts: maxAttempts,
		BaseDelay:   baseDelay,
		Multiplier:  multiplier,
		MaxDelay:    5 * time.Minute,
	}
}

// Delay returns the wait before the retry that follows the given 1-based
// attempt number.
func (s Strategy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return s.BaseDelay
	}

	delay := float64(s.BaseDelay) * math.Pow(s.Multiplier, float64(attempt-1))
	if delay > float64(s.MaxDelay) {
		return s.MaxDelay
	}
	return time.Duration(delay)
}

// Exhausted reports whether no further attempts remain.
func (s Strategy) Exhausted(attempts int) bool {
	return attempts >= s.MaxAttempts
}
