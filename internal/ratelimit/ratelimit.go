// Package ratelimit implements fixed-window admission control keyed by
// caller-composed strings such as "guest:<sessionId>" or "hook:<ip>".
package ratelimit

import (
	"context"
	"time"
)

// Result is the outcome of one admission check. A rejection is a value, not
// an error; callers surface RetryAfter to the user.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is the time left until the window closes.
func (r Result) RetryAfter(now time.Time) time.Duration {
	if d := r.ResetAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Limiter admits at most max requests per key in each fixed window.
// Rejected calls do not count against the window.
type Limiter interface {
	Check(ctx context.Context, key string, window time.Duration, max int) (Result, error)
	Cleanup(now time.Time) int
}

// Policy pairs a window with the number of requests it admits.
type Policy struct {
	Window time.Duration
	Max    int
}
