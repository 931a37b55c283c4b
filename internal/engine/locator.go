package engine

import (
	"context"
	"fmt"

	"github.com/xkilldash9x/uiprobe/api/schemas"
	"github.com/xkilldash9x/uiprobe/internal/browser"
)

// Resolution is the result of resolving an ElementRef once.
type Resolution struct {
	Element browser.Element
	// Matches is the total number of nodes the selector matched.
	Matches int
}

// Resolver turns element references into live elements. It only reads the
// DOM and never caches handles; every call re-runs the selector.
type Resolver struct{}

// Resolve finds the element ref addresses in frame. Ambiguity is not an
// error: the nth match is taken and Matches records how many there were.
func (Resolver) Resolve(ctx context.Context, frame browser.Frame, ref schemas.ElementRef) (Resolution, error) {
	target := ref.String()
	if frame.IsDetached() {
		e := stepErr(schemas.ErrContextStale, "resolve", target, browser.ErrFrameDetached)
		e.Observed = "frame detached"
		return Resolution{}, e
	}
	el, n, err := frame.Query(ctx, ref.Selector, ref.Nth)
	if err != nil {
		return Resolution{}, classify(ctx, err, schemas.ErrElementNotFound, "resolve", target)
	}
	if el == nil || n <= ref.Nth {
		e := stepErr(schemas.ErrElementNotFound, "resolve", target, nil)
		e.Expected = fmt.Sprintf("at least %d match(es)", ref.Nth+1)
		e.Observed = fmt.Sprintf("%d match(es)", n)
		return Resolution{Matches: n}, e
	}
	return Resolution{Element: el, Matches: n}, nil
}

// Count returns how many nodes sel matches in frame.
func (Resolver) Count(ctx context.Context, frame browser.Frame, sel schemas.Selector) (int, error) {
	if frame.IsDetached() {
		e := stepErr(schemas.ErrContextStale, "count", sel.String(), browser.ErrFrameDetached)
		e.Observed = "frame detached"
		return 0, e
	}
	_, n, err := frame.Query(ctx, sel, 0)
	if err != nil {
		return 0, classify(ctx, err, schemas.ErrElementNotFound, "count", sel.String())
	}
	return n, nil
}
