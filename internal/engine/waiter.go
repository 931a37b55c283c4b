package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/uiprobe/api/schemas"
	"github.com/xkilldash9x/uiprobe/internal/browser"
)

// Need lists the extra conditions an interaction requires.
type Need struct {
	Editable bool
}

// Controller runs bounded polling loops. Interactions never retry; only the
// observations that precede them do.
type Controller struct {
	resolver Resolver
	interval time.Duration
	logger   *zap.Logger
}

// NewController returns a Controller polling every interval.
func NewController(interval time.Duration, logger *zap.Logger) *Controller {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{interval: interval, logger: logger.Named("wait")}
}

// Poll calls check until it reports done, returns an error, or timeout
// elapses. Checks run under a context bounded by the remaining budget but
// never less than one interval. A check that merely times out is retried on
// the next tick.
//
// Poll returns nil, errWaitExpired, the parent context's error, or the
// check's error.
func (c *Controller) Poll(ctx context.Context, timeout time.Duration, check func(context.Context) (bool, error)) error {
	deadline := time.Now().Add(timeout)
	limiter := rate.NewLimiter(rate.Every(c.interval), 1)
	// Drain the initial burst so the first Wait already paces.
	limiter.Allow()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		budget := time.Until(deadline)
		if budget < c.interval {
			budget = c.interval
		}
		checkCtx, cancel := context.WithTimeout(ctx, budget)
		done, err := check(checkCtx)
		cancel()
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil && errors.Is(err, context.DeadlineExceeded):
			// Slow check; the deadline test below decides.
		case err != nil:
			return err
		case done:
			return nil
		}

		if !time.Now().Before(deadline) {
			return errWaitExpired
		}

		waitCtx, cancelWait := context.WithDeadline(ctx, deadline)
		err = limiter.Wait(waitCtx)
		cancelWait()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Less than one interval left: sleep out the rest and check a final time.
			if !sleepCtx(ctx, time.Until(deadline)) {
				return ctx.Err()
			}
		}
	}
}

// observation is what the last actionability check saw.
type observation struct {
	everMatched bool
	matches     int
	state       browser.ElementState
	reason      string
}

// AwaitActionable resolves ref repeatedly until the element is attached,
// visible, enabled, unobscured and holds the same box on two consecutive
// polls. On expiry it reports ElementNotFound if nothing ever matched and
// ActionableTimeout otherwise.
func (c *Controller) AwaitActionable(ctx context.Context, frame browser.Frame, ref schemas.ElementRef, timeout time.Duration, need Need) (Resolution, error) {
	var (
		last     observation
		prevBox  *browser.Rect
		resolved Resolution
		target   = ref.String()
	)

	check := func(pctx context.Context) (bool, error) {
		res, err := c.resolver.Resolve(pctx, frame, ref)
		if err != nil {
			if KindOf(err) == schemas.ErrElementNotFound {
				prevBox = nil
				last.matches = res.Matches
				last.reason = DiagnosticOf(err)
				return false, nil
			}
			return false, err
		}
		last.everMatched = true
		last.matches = res.Matches

		st, err := res.Element.State(pctx)
		if err != nil {
			if errors.Is(err, browser.ErrNoSuchElement) {
				prevBox = nil
				last.reason = "element replaced while waiting"
				return false, nil
			}
			return false, classify(pctx, err, schemas.ErrActionableTimeout, "inspect", target)
		}
		last.state = st
		if ok, reason := st.Actionable(need.Editable); !ok {
			prevBox = nil
			last.reason = reason
			return false, nil
		}
		if !st.InViewport {
			if err := res.Element.ScrollIntoView(pctx); err != nil && !errors.Is(err, browser.ErrNoSuchElement) {
				return false, classify(pctx, err, schemas.ErrActionableTimeout, "scroll", target)
			}
			prevBox = nil
			last.reason = "outside the viewport"
			return false, nil
		}
		if prevBox == nil || *prevBox != st.Box {
			box := st.Box
			prevBox = &box
			last.reason = "not stable (still moving)"
			return false, nil
		}
		resolved = res
		return true, nil
	}

	err := c.Poll(ctx, timeout, check)
	switch {
	case err == nil:
		return resolved, nil
	case errors.Is(err, errWaitExpired):
		if !last.everMatched {
			e := stepErr(schemas.ErrElementNotFound, "resolve", target, nil)
			e.Expected = fmt.Sprintf("at least %d match(es) within %s", ref.Nth+1, timeout)
			e.Observed = fmt.Sprintf("%d match(es)", last.matches)
			return Resolution{Matches: last.matches}, e
		}
		e := stepErr(schemas.ErrActionableTimeout, "await", target, nil)
		e.Expected = fmt.Sprintf("actionable within %s", timeout)
		e.Observed = last.reason
		c.logger.Debug("Element never became actionable.",
			zap.String("ref", target),
			zap.Int("matches", last.matches),
			zap.Stringer("state", last.state))
		return Resolution{Matches: last.matches}, e
	case ctx.Err() != nil:
		return Resolution{Matches: last.matches}, cancelled(ctx, "await", target)
	}
	return Resolution{Matches: last.matches}, classify(ctx, err, schemas.ErrActionableTimeout, "await", target)
}

// AwaitLoadState waits until frame reaches state. Expiry yields a
// LoadStateTimeout, which callers treat as non-fatal.
func (c *Controller) AwaitLoadState(ctx context.Context, frame browser.Frame, state schemas.LoadState, timeout time.Duration) error {
	target := "frame " + frameLabel(frame)
	err := c.Poll(ctx, timeout, func(context.Context) (bool, error) {
		if frame.IsDetached() {
			e := stepErr(schemas.ErrContextStale, "wait", target, browser.ErrFrameDetached)
			e.Observed = "frame detached"
			return false, e
		}
		return frame.LoadState().Reached(state), nil
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errWaitExpired):
		e := stepErr(schemas.ErrLoadStateTimeout, "wait", target, nil)
		e.Expected = fmt.Sprintf("%s within %s", state, timeout)
		e.Observed = frame.LoadState().String()
		return e
	case ctx.Err() != nil:
		return cancelled(ctx, "wait", target)
	}
	return classify(ctx, err, schemas.ErrLoadStateTimeout, "wait", target)
}

func frameLabel(f browser.Frame) string {
	switch {
	case f.ParentID() == "":
		return "main"
	case f.Name() != "":
		return f.Name()
	}
	return f.URL()
}

// sleepCtx waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
