package testhelper

import (
	"context"
	"time"
)

// ContextOpt derives a context for a test from its parent.
type ContextOpt func(context.Context) (context.Context, context.CancelFunc)

// ContextWithTimeout bounds the test context to duration.
func ContextWithTimeout(duration time.Duration) ContextOpt {
	return func(ctx context.Context) (context.Context, context.CancelFunc) {
		return context.WithTimeout(ctx, duration)
	}
}

// Context returns a context for a test with opts applied in order. The returned function
// cancels it, undoing the options last to first.
func Context(opts ...ContextOpt) (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())

	stop := cancel
	for _, opt := range opts {
		var optCancel context.CancelFunc
		ctx, optCancel = opt(ctx)

		outer := stop
		stop = func() {
			optCancel()
			outer()
		}
	}

	return ctx, stop
}
