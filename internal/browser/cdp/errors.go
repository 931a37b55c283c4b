package cdp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/runtime"

	"github.com/xkilldash9x/uiprobe/api/schemas"
	"github.com/xkilldash9x/uiprobe/internal/browser"
)

// errWorldGone means the frame's isolated world was destroyed, usually by a
// navigation. Callers recreate the world and retry once.
var errWorldGone = errors.New("execution context destroyed")

// Protocol error messages are matched by substring; Chrome does not expose
// stable error codes for these conditions.
var (
	closedMessages = []string{
		"target closed",
		"no target with given id",
		"session with given id not found",
		"inspected target navigated or closed",
	}
	worldMessages = []string{
		"cannot find context with specified id",
		"execution context was destroyed",
		"cannot find default execution context",
	}
	objectMessages = []string{
		"could not find object with given id",
		"cannot find object",
		"node with given id does not belong to the document",
		"could not compute box model",
	}
	frameMessages = []string{
		"no frame with given id",
		"frame with the given id was not found",
		"frame not found",
	}
)

// translate maps a protocol error onto the browser package's sentinels.
// pageCtx is the page's own context; once it is done the page is gone.
func translate(pageCtx, callCtx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if callCtx.Err() != nil {
		return fmt.Errorf("%w", context.Cause(callCtx))
	}
	if pageCtx.Err() != nil {
		return fmt.Errorf("%w: %v", browser.ErrTargetClosed, err)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, closedMessages):
		return fmt.Errorf("%w: %v", browser.ErrTargetClosed, err)
	case containsAny(msg, worldMessages):
		return fmt.Errorf("%w: %v", errWorldGone, err)
	case containsAny(msg, objectMessages):
		return fmt.Errorf("%w: %v", browser.ErrNoSuchElement, err)
	case containsAny(msg, frameMessages):
		return fmt.Errorf("%w: %v", browser.ErrFrameDetached, err)
	}
	return err
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// exceptionError converts a script exception raised while evaluating sel.
func exceptionError(sel schemas.Selector, exc *runtime.ExceptionDetails) error {
	desc := exc.Text
	if exc.Exception != nil && exc.Exception.Description != "" {
		desc = exc.Exception.Description
	}
	if i := strings.IndexByte(desc, '\n'); i > 0 {
		desc = desc[:i]
	}
	if strings.Contains(desc, "SyntaxError") || strings.Contains(desc, "not a valid") {
		return fmt.Errorf("%w: %s: %s", browser.ErrInvalidSelector, sel, desc)
	}
	return fmt.Errorf("evaluating %s: %s", sel, desc)
}

// lifecycleState maps a Page.lifecycleEvent name onto a load state. ok is
// false for events that do not affect readiness.
func lifecycleState(name string) (schemas.LoadState, bool) {
	switch name {
	case "init", "commit":
		return schemas.LoadCommitted, true
	case "DOMContentLoaded":
		return schemas.LoadDOMContentLoaded, true
	case "load":
		return schemas.LoadLoaded, true
	case "networkIdle":
		return schemas.LoadNetworkIdle, true
	}
	return schemas.LoadPending, false
}

// quadRect returns the bounding rectangle of a DOM quad (x1,y1 ... x4,y4).
func quadRect(q []float64) browser.Rect {
	if len(q) < 8 {
		return browser.Rect{}
	}
	minX, minY, maxX, maxY := q[0], q[1], q[0], q[1]
	for i := 2; i+1 < len(q); i += 2 {
		minX, maxX = min(minX, q[i]), max(maxX, q[i])
		minY, maxY = min(minY, q[i+1]), max(maxY, q[i+1])
	}
	return browser.Rect{X: minX, Y: minY, Width: maxX - minX, Height: maxY - minY}
}
