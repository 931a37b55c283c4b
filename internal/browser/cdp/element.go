package cdp

import (
	"context"
	"errors"
	"fmt"

	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"github.com/xkilldash9x/uiprobe/internal/browser"
)

// Element is a remote object handle inside a frame's isolated world.
type Element struct {
	frame *Frame
	id    runtime.RemoteObjectID
}

var _ browser.Element = (*Element)(nil)

// call invokes fn with the element as this and decodes the returned value
// into out when out is non-nil.
func (e *Element) call(ctx context.Context, fn string, out interface{}) error {
	if e.frame.IsDetached() {
		return browser.ErrFrameDetached
	}
	err := e.frame.page.run(ctx, chromedp.ActionFunc(func(c context.Context) error {
		res, exc, err := runtime.CallFunctionOn(fn).
			WithObjectID(e.id).
			WithReturnByValue(true).
			WithAwaitPromise(true).
			Do(c)
		if err != nil {
			return err
		}
		if exc != nil {
			return fmt.Errorf("script error: %s", exc.Text)
		}
		if out == nil || res == nil || len(res.Value) == 0 {
			return nil
		}
		return json.Unmarshal([]byte(res.Value), out)
	}))
	return e.gone(err)
}

// gone folds a destroyed world into ErrNoSuchElement: the handle died with
// the document it belonged to.
func (e *Element) gone(err error) error {
	if errors.Is(err, errWorldGone) {
		if e.frame.IsDetached() {
			return fmt.Errorf("%w: %v", browser.ErrFrameDetached, err)
		}
		return fmt.Errorf("%w: %v", browser.ErrNoSuchElement, err)
	}
	return err
}

func (e *Element) State(ctx context.Context) (browser.ElementState, error) {
	var js jsState
	if err := e.call(ctx, stateFunction, &js); err != nil {
		return browser.ElementState{}, err
	}
	st := browser.ElementState{
		Attached:   js.Attached,
		Visible:    js.Visible,
		Obscured:   js.Obscured,
		Enabled:    js.Enabled,
		Editable:   js.Editable,
		InViewport: js.InView,
		Box:        browser.Rect{X: js.X, Y: js.Y, Width: js.Width, Height: js.Height},
	}
	if !st.Attached || !st.Visible {
		return st, nil
	}
	box, err := e.box(ctx)
	switch {
	case err == nil:
		st.Box = box
	case errors.Is(err, browser.ErrNoSuchElement):
		// Detached between the two calls; the script's frame-local box stands.
	default:
		return browser.ElementState{}, err
	}
	return st, nil
}

func (e *Element) ScrollIntoView(ctx context.Context) error {
	if e.frame.IsDetached() {
		return browser.ErrFrameDetached
	}
	return e.gone(e.frame.page.run(ctx, dom.ScrollIntoViewIfNeeded().WithObjectID(e.id)))
}

// box returns the border box in top-level viewport coordinates.
func (e *Element) box(ctx context.Context) (browser.Rect, error) {
	var r browser.Rect
	err := e.frame.page.run(ctx, chromedp.ActionFunc(func(c context.Context) error {
		model, err := dom.GetBoxModel().WithObjectID(e.id).Do(c)
		if err != nil {
			return err
		}
		r = quadRect(model.Border)
		return nil
	}))
	return r, e.gone(err)
}

// Click scrolls the element into view and dispatches one press and release
// at the centre of its border box. It is never retried.
func (e *Element) Click(ctx context.Context) error {
	if e.frame.IsDetached() {
		return browser.ErrFrameDetached
	}
	err := e.frame.page.run(ctx, chromedp.ActionFunc(func(c context.Context) error {
		if err := dom.ScrollIntoViewIfNeeded().WithObjectID(e.id).Do(c); err != nil {
			return err
		}
		model, err := dom.GetBoxModel().WithObjectID(e.id).Do(c)
		if err != nil {
			return err
		}
		x, y := quadRect(model.Border).Center()
		if err := input.DispatchMouseEvent(input.MouseMoved, x, y).Do(c); err != nil {
			return err
		}
		if err := input.DispatchMouseEvent(input.MousePressed, x, y).
			WithButton(input.Left).WithClickCount(1).Do(c); err != nil {
			return err
		}
		return input.DispatchMouseEvent(input.MouseReleased, x, y).
			WithButton(input.Left).WithClickCount(1).Do(c)
	}))
	return e.gone(err)
}

// Fill clears the element, types text as a single insertion and fires change.
func (e *Element) Fill(ctx context.Context, text string) error {
	if err := e.call(ctx, clearFunction, nil); err != nil {
		return err
	}
	if text != "" {
		if err := e.gone(e.frame.page.run(ctx, input.InsertText(text))); err != nil {
			return err
		}
	}
	return e.call(ctx, changeFunction, nil)
}

func (e *Element) Text(ctx context.Context) (string, error) {
	var s string
	if err := e.call(ctx, textFunction, &s); err != nil {
		return "", err
	}
	return s, nil
}

func (e *Element) Value(ctx context.Context) (string, error) {
	var s string
	if err := e.call(ctx, valueFunction, &s); err != nil {
		return "", err
	}
	return s, nil
}
