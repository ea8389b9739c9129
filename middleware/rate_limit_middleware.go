package middleware

import (
	"context"
	"errors"

	"golang.org/x/time/rate"

	"endpool/transport"
)

// ErrRateLimited is returned when the local token bucket rejects an
// acquisition attempt. Like the pool's transient errors, retrying is the
// caller's call.
var ErrRateLimited = errors.New("middleware: acquire rate limit exceeded")

// RateLimit caps acquisition attempts with a token bucket (r per second,
// bursts of burst). Useful to keep a reconnect storm from hammering a
// destination that just went down.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next Acquirer) Acquirer {
		return func(ctx context.Context) (*transport.Conn, error) {
			if !limiter.Allow() {
				return nil, ErrRateLimited
			}
			return next(ctx)
		}
	}
}
