// Package middleware wraps connection acquisition with caller-side policies.
//
// The pool itself never retries, rate-limits or logs on behalf of callers —
// it reports a typed result and leaves the decision to them. These wrappers
// are where such decisions live. They compose like an onion:
//
//	Chain(A, B, C)(acquire) → A(B(C(acquire)))
package middleware

import (
	"context"

	"endpool/transport"
)

// Acquirer obtains a connection; pool.Pool.Acquire curried with its options
// is the usual base.
type Acquirer func(ctx context.Context) (*transport.Conn, error)

// Middleware wraps an Acquirer with one policy.
type Middleware func(next Acquirer) Acquirer

// Chain combines middlewares into one, outermost first.
func Chain(middlewares ...Middleware) Middleware {
	return func(next Acquirer) Acquirer {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
