package client

import (
	"math/rand"
	"time"
)

// BackoffStrategy defines how to calculate the wait before a retry.
type BackoffStrategy interface {
	Next(attempt int) time.Duration
}

// ExponentialBackoff doubles the delay per attempt and adds up to 25%
// random jitter so synchronized clients spread out. The cap applies after
// jitter.
type ExponentialBackoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff returns the standard retry curve: 1s base, 10s cap.
func DefaultBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		Base: time.Second,
		Max:  10 * time.Second,
	}
}

// Next calculates the wait duration before attempt (1-based: the wait
// before the second try is Next(1)).
func (b *ExponentialBackoff) Next(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(b.Base)
	for i := 1; i < attempt; i++ {
		delay *= 2
	}

	delay += delay * rand.Float64() * 0.25

	if max := float64(b.Max); delay > max {
		delay = max
	}
	return time.Duration(delay)
}
