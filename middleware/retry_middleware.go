package middleware

import (
	"context"
	"errors"
	"time"

	"endpool/pool"
	"endpool/transport"
)

// Retry re-attempts acquisition on the pool's transient signals —
// ErrRetryLater (capacity exhausted) and ErrNoDestination (lost hand-off
// race) — with exponential backoff. Definitive failures (dial errors, pool
// closed) are returned immediately.
func Retry(maxRetries int, baseDelay time.Duration) Middleware {
	return func(next Acquirer) Acquirer {
		return func(ctx context.Context) (*transport.Conn, error) {
			conn, err := next(ctx)
			for i := 0; i < maxRetries; i++ {
				if err == nil {
					return conn, nil
				}
				if !errors.Is(err, pool.ErrRetryLater) && !errors.Is(err, pool.ErrNoDestination) {
					return nil, err
				}
				select {
				case <-time.After(baseDelay * time.Duration(1<<i)): // exponential backoff
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				conn, err = next(ctx)
			}
			return conn, err
		}
	}
}
