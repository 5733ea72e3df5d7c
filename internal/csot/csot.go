// Package csot composes the client-side timeout budgets described in
// spec.md §5: serverSelectionTimeoutMS, socketTimeoutMS, and maxTimeMS are
// distinct deadlines that all bound the same logical operation. Adapted
// from internal/csot/csot.go in the teacher, retyped for this module's own
// context-key style; kept close to the original shape because the concept
// is narrow and the teacher's own implementation is already minimal.
package csot

import (
	"context"
	"time"
)

type skipMaxTimeKey struct{}

// WithSkipMaxTime marks ctx so operation construction omits maxTimeMS
// regardless of a context deadline. Used by the killCursors operation,
// which must never carry a server-side time limit.
func WithSkipMaxTime(ctx context.Context) context.Context {
	return context.WithValue(ctx, skipMaxTimeKey{}, true)
}

// SkipMaxTime reports whether ctx was marked with WithSkipMaxTime.
func SkipMaxTime(ctx context.Context) bool {
	v, _ := ctx.Value(skipMaxTimeKey{}).(bool)
	return v
}

// WithServerSelectionTimeout returns a context whose deadline is the
// minimum of the parent's existing deadline (if any) and
// serverSelectionTimeout from now. A non-positive serverSelectionTimeout
// with no parent deadline returns the parent unchanged (no timeout).
func WithServerSelectionTimeout(parent context.Context, serverSelectionTimeout time.Duration) (context.Context, context.CancelFunc) {
	deadline, hasDeadline := parent.Deadline()

	switch {
	case !hasDeadline && serverSelectionTimeout <= 0:
		return parent, func() {}
	case !hasDeadline:
		return context.WithTimeout(parent, serverSelectionTimeout)
	case serverSelectionTimeout > 0 && time.Until(deadline) > serverSelectionTimeout:
		return context.WithTimeout(parent, serverSelectionTimeout)
	default:
		return context.WithDeadline(parent, deadline)
	}
}

// MaxTimeMS returns the server-side maxTimeMS to stamp into a command,
// derived from the context deadline, or 0 if there is none or the
// context is marked to skip it.
func MaxTimeMS(ctx context.Context) int64 {
	if SkipMaxTime(ctx) {
		return 0
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		return 0
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return 0
	}
	return remaining.Milliseconds()
}
