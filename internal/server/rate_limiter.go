// Package server implements the optional per-connection message throttle.
package server

import (
	"time"

	"golang.org/x/time/rate"
)

type rateLimiter struct {
	limiter *rate.Limiter
}

// newRateLimiter allows capacity messages per interval with bursts up to
// capacity. It returns nil when capacity is zero, which disables limiting.
func newRateLimiter(capacity int, interval time.Duration) *rateLimiter {
	if capacity <= 0 {
		return nil
	}
	if interval <= 0 {
		interval = time.Second
	}

	limit := rate.Limit(float64(capacity) / interval.Seconds())
	return &rateLimiter{limiter: rate.NewLimiter(limit, capacity)}
}

func (rl *rateLimiter) allow() bool {
	if rl == nil {
		return true
	}
	return rl.limiter.Allow()
}
