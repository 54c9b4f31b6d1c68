// Package backoff computes the wait between provisioning attempts.
//
// The controller is pure state + arithmetic: no clocks, no I/O. The interval
// doubles under sustained rate limiting, holds on other transient failures,
// and resets on success. The actual wait is re-sampled uniformly on every
// call so concurrent accounts stay desynchronized against the provider.
package backoff

import (
	"fmt"
	"math/rand/v2"
	"time"

	"ocibot/internal/account"
)

// Controller holds the per-worker backoff state. It is owned by exactly one
// worker goroutine and needs no synchronization.
type Controller struct {
	tuning account.Tuning

	interval  time.Duration
	rateCount int
}

// New validates the tuning and returns a controller primed at the initial
// interval. Invalid bounds are a configuration error and reject worker start.
func New(t account.Tuning) (*Controller, error) {
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("backoff tuning: %w", err)
	}
	return &Controller{tuning: t, interval: clamp(t.InitialInterval, t.MinInterval, t.MaxInterval)}, nil
}

// Interval reports the current (pre-jitter) interval.
func (c *Controller) Interval() time.Duration { return c.interval }

// RateLimitStreak reports how many consecutive rate-limited outcomes the
// controller has absorbed since the last reset/hold.
func (c *Controller) RateLimitStreak() int { return c.rateCount }

// Reset returns the interval to the initial value (worker start, success).
func (c *Controller) Reset() {
	c.interval = clamp(c.tuning.InitialInterval, c.tuning.MinInterval, c.tuning.MaxInterval)
	c.rateCount = 0
}

// RateLimited escalates the interval: multiplicative doubling, capped at the
// max bound. Monotonic non-decreasing across consecutive calls.
func (c *Controller) RateLimited() time.Duration {
	c.rateCount++
	next := c.interval * 2
	if next < c.interval {
		// Overflow guard; Duration is an int64 of nanoseconds.
		next = c.tuning.MaxInterval
	}
	c.interval = clamp(next, c.tuning.MinInterval, c.tuning.MaxInterval)
	return c.interval
}

// Transient holds the interval where it is. Transient provider errors carry
// no capacity signal, so they escalate less aggressively than rate limits
// (here: not at all).
func (c *Controller) Transient() time.Duration {
	c.rateCount = 0
	return c.interval
}

// Wait samples the actual sleep uniformly from [min(minInterval, interval),
// interval]. Re-sampled on every call, never memoized.
func (c *Controller) Wait() time.Duration {
	lo := c.tuning.MinInterval
	hi := c.interval
	if hi < lo {
		lo = hi
	}
	if hi <= lo {
		return hi
	}
	return lo + time.Duration(rand.Int64N(int64(hi-lo)+1))
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
