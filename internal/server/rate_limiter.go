// Package server throttles inbound frames per connection with a token bucket
// so one noisy client cannot monopolise the hub.
package server

import (
	"time"

	"golang.org/x/time/rate"
)

// newRateLimiter allows capacity events per interval with bursts up to
// capacity.
func newRateLimiter(capacity int, interval time.Duration) *rate.Limiter {
	if capacity <= 0 {
		capacity = 1
	}
	if interval <= 0 {
		interval = time.Second
	}
	return rate.NewLimiter(rate.Limit(float64(capacity)/interval.Seconds()), capacity)
}
