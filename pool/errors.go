package pool

import "errors"

var (
	// ErrRetryLater means every connection slot is in use and the idle queue
	// is empty. The pool never blocks waiting for capacity; the caller
	// decides whether and when to retry.
	ErrRetryLater = errors.New("pool: capacity exhausted, retry later")

	// ErrNoDestination means the caller lost the ownership-transfer race
	// (it became unreachable exactly as the hand-off was attempted). The
	// pool state is unchanged; a retry is safe.
	ErrNoDestination = errors.New("pool: hand-off target gone")

	// ErrPoolClosed is returned for operations on a pool after Shutdown.
	ErrPoolClosed = errors.New("pool: closed")

	errInvalidMaxConns = errors.New("pool: MaxConns must be positive")
)
