// internal/browser/context_utils.go
package browser

import (
	"context"
	"time"
)

// CombineContext returns a context derived from ctx1 that is also cancelled
// when ctx2 is done. Values come from ctx1 only. chromedp keeps the target
// connection in ctx1's values, while ctx2 carries the caller's deadline.
// When ctx2 ends first, context.Cause on the result reports ctx2's error so
// callers can still tell a deadline from a cancellation.
func CombineContext(ctx1, ctx2 context.Context) (context.Context, context.CancelFunc) {
	combinedCtx, cancel := context.WithCancelCause(ctx1)
	stop := context.AfterFunc(ctx2, func() {
		cancel(context.Cause(ctx2))
	})
	return combinedCtx, func() {
		stop()
		cancel(context.Canceled)
	}
}

// valueOnlyContext inherits values from its parent but none of its deadline
// or cancellation.
type valueOnlyContext struct {
	context.Context
}

func (valueOnlyContext) Deadline() (deadline time.Time, ok bool) { return }

func (valueOnlyContext) Done() <-chan struct{} { return nil }

func (valueOnlyContext) Err() error { return nil }

// Detach returns a context that inherits values from ctx but is not cancelled
// with it. Session teardown runs under a detached context so that a cancelled
// scenario still releases its browser context.
func Detach(ctx context.Context) context.Context {
	return valueOnlyContext{ctx}
}
