// Package wait provides the backoff and jittered-interval helpers used
// by the transport reconnect loop and the gossip timers.
package wait

import (
	"math/rand"
	"time"
)

// NewBackoff creates a new BackoffStrategy with full jitter applied on
// every call to Backoff.
func NewBackoff(base time.Duration, factor float64, cap time.Duration) *BackoffStrategy {
	return &BackoffStrategy{
		initialDuration: base,
		factor:          factor,
		durationCap:     cap,
	}
}

// BackoffStrategy implements exponential backoff with full jitter, base
// 500ms / cap 30s per the transport reconnect policy.
type BackoffStrategy struct {
	initialDuration time.Duration
	factor          float64
	durationCap     time.Duration

	attempts int
	duration time.Duration
}

// Backoff advances the strategy to its next duration.
func (s *BackoffStrategy) Backoff() {
	s.attempts++
	d := float64(s.initialDuration)
	for i := 1; i < s.attempts; i++ {
		d *= s.factor
	}
	if d > float64(s.durationCap) {
		d = float64(s.durationCap)
	}
	s.duration = time.Duration(rand.Int63n(int64(d) + 1))
}

// Reset returns the strategy to its initial state.
func (s *BackoffStrategy) Reset() {
	s.attempts = 0
	s.duration = 0
}

// Duration returns the last computed delay.
func (s *BackoffStrategy) Duration() time.Duration {
	return s.duration
}

// After returns a channel that fires once the current delay elapses.
func (s *BackoffStrategy) After() <-chan time.Time {
	return time.After(s.duration)
}

// FullJitter returns a random duration in [0.5x, 1.5x] of base, used by
// the gossip peer-exchange timer to avoid thundering-herd rounds.
func FullJitter(base time.Duration) time.Duration {
	half := float64(base) / 2
	return time.Duration(half + rand.Float64()*float64(base))
}
