package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"endpool/transport"
)

// Logging records every acquisition attempt: latency, outcome, and the
// connection handed out on success.
func Logging(log *zap.Logger) Middleware {
	return func(next Acquirer) Acquirer {
		return func(ctx context.Context) (*transport.Conn, error) {
			start := time.Now()
			conn, err := next(ctx)
			fields := []zap.Field{zap.Duration("took", time.Since(start))}
			if err != nil {
				log.Warn("acquire failed", append(fields, zap.Error(err))...)
				return nil, err
			}
			log.Debug("acquired connection", append(fields, zap.Uint64("conn", conn.ID()))...)
			return conn, nil
		}
	}
}
