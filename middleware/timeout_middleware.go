package middleware

import (
	"context"
	"time"

	"endpool/transport"
)

// Timeout bounds the whole acquisition attempt with a deadline. The deadline
// also feeds the hand-off: once it passes, the pool sees the caller as
// unreachable and keeps the connection.
func Timeout(timeout time.Duration) Middleware {
	return func(next Acquirer) Acquirer {
		return func(ctx context.Context) (*transport.Conn, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return next(ctx)
		}
	}
}
