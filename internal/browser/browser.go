// Package browser defines the automation capability the engine drives. It
// holds interfaces and shared value types only; internal/browser/cdp provides
// the Chrome implementation.
package browser

import (
	"context"
	"errors"
	"fmt"

	"github.com/xkilldash9x/uiprobe/api/schemas"
)

var (
	// ErrTargetClosed is returned by any operation on a page (or one of its
	// frames or elements) after the page or its session has been closed.
	ErrTargetClosed = errors.New("target closed")
	// ErrFrameDetached is returned by operations on a frame that has been
	// removed from its page.
	ErrFrameDetached = errors.New("frame detached")
	// ErrNoSuchElement is returned when a previously resolved element is no
	// longer addressable.
	ErrNoSuchElement = errors.New("no such element")
	// ErrInvalidSelector is returned when the browser rejects a selector's syntax.
	ErrInvalidSelector = errors.New("invalid selector")
)

// Automation launches isolated sessions.
type Automation interface {
	NewSession(ctx context.Context) (Session, error)
	// Close releases the underlying browser process.
	Close(ctx context.Context) error
}

// Session is one isolated browsing context (cookies, storage and pages).
type Session interface {
	ID() string
	// NewPage opens a blank page owned by the session.
	NewPage(ctx context.Context) (Page, error)
	// Pages returns the open pages in the order they were created, including
	// pages opened by the application (popups, target=_blank links).
	Pages() []Page
	// Close tears down the session and every page in it. Calling it more than
	// once returns nil after the first call.
	Close(ctx context.Context) error
}

// Page is a top-level document.
type Page interface {
	ID() string
	URL(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	IsClosed() bool
	// Navigate returns once the navigation has committed. It does not wait
	// for the document to load.
	Navigate(ctx context.Context, url string) error
	MainFrame() Frame
	// Frames returns the main frame followed by its descendants in document order.
	Frames() []Frame
}

// Frame is the main frame or a nested iframe of a page.
type Frame interface {
	ID() string
	Name() string
	// ParentID is empty for the main frame.
	ParentID() string
	URL() string
	IsDetached() bool
	LoadState() schemas.LoadState
	// Query evaluates sel and returns the element at index nth together with
	// the total match count. el is nil when matches <= nth.
	Query(ctx context.Context, sel schemas.Selector, nth int) (el Element, matches int, err error)
}

// Element is a live handle obtained from a Query. Handles are short-lived;
// callers resolve again rather than caching them.
type Element interface {
	// State inspects the element without side effects on the page.
	State(ctx context.Context) (ElementState, error)
	// ScrollIntoView centres the element in the viewport.
	ScrollIntoView(ctx context.Context) error
	// Click performs a single primary-button click at the element's centre.
	Click(ctx context.Context) error
	// Fill replaces the element's value with text.
	Fill(ctx context.Context, text string) error
	Text(ctx context.Context) (string, error)
	Value(ctx context.Context) (string, error)
}

// Rect is a box in CSS pixels relative to the top-level viewport.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func (r Rect) Center() (float64, float64) {
	return r.X + r.Width/2, r.Y + r.Height/2
}

// ElementState is a snapshot of the properties that decide actionability.
type ElementState struct {
	Attached bool `json:"attached"`
	Visible  bool `json:"visible"`
	// Obscured is true when another element receives pointer events at the
	// element's centre (an overlay, a toast, a modal backdrop).
	Obscured bool `json:"obscured"`
	Enabled  bool `json:"enabled"`
	Editable bool `json:"editable"`
	// InViewport is false when the element lies entirely outside the
	// viewport.
	InViewport bool `json:"in_viewport"`
	Box        Rect `json:"box"`
}

// Actionable reports whether an interaction may be attempted. When it may
// not, reason names the first failing check.
func (s ElementState) Actionable(needEditable bool) (ok bool, reason string) {
	switch {
	case !s.Attached:
		return false, "detached from the document"
	case !s.Visible:
		return false, "not visible"
	case s.Box.Width <= 0 || s.Box.Height <= 0:
		return false, "zero-sized"
	case !s.Enabled:
		return false, "disabled"
	case s.Obscured:
		return false, "obscured by another element"
	case needEditable && !s.Editable:
		return false, "not editable"
	}
	return true, ""
}

func (s ElementState) String() string {
	return fmt.Sprintf("attached=%t visible=%t obscured=%t enabled=%t editable=%t in_viewport=%t box=(%.0f,%.0f %.0fx%.0f)",
		s.Attached, s.Visible, s.Obscured, s.Enabled, s.Editable, s.InViewport, s.Box.X, s.Box.Y, s.Box.Width, s.Box.Height)
}

// IsGone reports whether err means the page, frame or element went away.
func IsGone(err error) bool {
	return errors.Is(err, ErrTargetClosed) || errors.Is(err, ErrFrameDetached)
}
