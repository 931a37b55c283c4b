package engine

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/uiprobe/api/schemas"
	"github.com/xkilldash9x/uiprobe/internal/browser"
)

// Context is the (page, frame) pair a step runs against. The runner threads
// it from one step to the next.
type Context struct {
	Page  browser.Page
	Frame browser.Frame
	// Pinned is set once a step selects its context explicitly. Pinned
	// contexts are not moved by the new-page fallback.
	Pinned bool
}

// Tracker decides which page and frame each step targets. It is owned by a
// single scenario and is not safe for concurrent use.
type Tracker struct {
	session browser.Session
	follow  bool
	seen    map[string]bool
	logger  *zap.Logger
}

// NewTracker returns a tracker for session. With follow set, steps without an
// explicit context move to a newly opened page, which matches how recorded
// flows assume the latest tab is active.
func NewTracker(session browser.Session, follow bool, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{session: session, follow: follow, seen: make(map[string]bool), logger: logger.Named("tracker")}
}

// Initial records the session's current pages and returns the context for page.
func (t *Tracker) Initial(page browser.Page) Context {
	t.observe()
	return Context{Page: page, Frame: page.MainFrame()}
}

// observe marks every open page as seen and returns the pages that were not.
func (t *Tracker) observe() (pages, fresh []browser.Page) {
	pages = t.session.Pages()
	for _, p := range pages {
		if !t.seen[p.ID()] {
			t.seen[p.ID()] = true
			fresh = append(fresh, p)
		}
	}
	return pages, fresh
}

// Select returns the context for the next step given the current one and the
// step's explicit target, if any.
func (t *Tracker) Select(ctx context.Context, cur Context, target *schemas.ContextTarget) (Context, error) {
	pages, fresh := t.observe()

	if target != nil {
		page, err := pickPage(ctx, pages, target.Page)
		if err != nil {
			return cur, err
		}
		frame, err := pickFrame(page, target.Frame)
		if err != nil {
			return cur, err
		}
		if frame.IsDetached() {
			e := stepErr(schemas.ErrContextStale, "select", "frame "+target.Frame.String(), browser.ErrFrameDetached)
			e.Expected = "an attached frame"
			e.Observed = "frame detached"
			return cur, e
		}
		return Context{Page: page, Frame: frame, Pinned: true}, nil
	}

	if !cur.Pinned && t.follow && len(fresh) > 0 {
		if latest, frame := t.newestReady(fresh); latest != nil {
			t.logger.Debug("Following newly opened page.", zap.String("page_id", latest.ID()), zap.Int("open_pages", len(pages)))
			return Context{Page: latest, Frame: frame}, nil
		}
	}

	if cur.Page == nil || cur.Page.IsClosed() {
		if t.follow {
			if latest, frame := t.newestReady(pages); latest != nil {
				t.logger.Debug("Current page closed; falling back to the latest page.", zap.String("page_id", latest.ID()))
				return Context{Page: latest, Frame: frame}, nil
			}
		}
		e := stepErr(schemas.ErrContextStale, "select", "page", browser.ErrTargetClosed)
		e.Expected = "an open page"
		e.Observed = "page closed"
		return cur, e
	}

	if cur.Frame == nil || cur.Frame.IsDetached() {
		e := stepErr(schemas.ErrContextStale, "select", "frame "+frameLabelOrNone(cur.Frame), browser.ErrFrameDetached)
		e.Expected = "an attached frame"
		e.Observed = "frame detached"
		return cur, e
	}
	return cur, nil
}

// newestReady returns the newest page in pages whose main frame is attached.
// Pages still attaching are forgotten so a later step considers them again.
func (t *Tracker) newestReady(pages []browser.Page) (browser.Page, browser.Frame) {
	for i := len(pages) - 1; i >= 0; i-- {
		p := pages[i]
		if main := p.MainFrame(); !main.IsDetached() {
			return p, main
		}
		if !p.IsClosed() {
			t.logger.Debug("New page is still attaching.", zap.String("page_id", p.ID()))
			delete(t.seen, p.ID())
		}
	}
	return nil, nil
}

func frameLabelOrNone(f browser.Frame) string {
	if f == nil {
		return "<none>"
	}
	return frameLabel(f)
}

func pickPage(ctx context.Context, pages []browser.Page, sel schemas.PageSelector) (browser.Page, error) {
	stale := func(observed string) error {
		e := stepErr(schemas.ErrContextStale, "select", "page "+sel.String(), nil)
		e.Expected = "a matching open page"
		e.Observed = observed
		return e
	}
	if len(pages) == 0 {
		return nil, stale("no open pages")
	}

	switch sel.Kind {
	case "", schemas.PageLatest:
		return pages[len(pages)-1], nil
	case schemas.PageFirst:
		return pages[0], nil
	case schemas.PageIndex:
		i := sel.Index
		if i < 0 {
			i += len(pages)
		}
		if i < 0 || i >= len(pages) {
			return nil, stale(fmt.Sprintf("%d open page(s)", len(pages)))
		}
		return pages[i], nil
	case schemas.PageURLContains:
		// Newest first: a popup usually shares a prefix with its opener.
		var urls []string
		for i := len(pages) - 1; i >= 0; i-- {
			// A page still attaching has no URL to compare yet.
			if pages[i].MainFrame().IsDetached() {
				continue
			}
			u, err := pages[i].URL(ctx)
			if err != nil {
				continue
			}
			if strings.Contains(u, sel.Contains) {
				return pages[i], nil
			}
			urls = append(urls, u)
		}
		return nil, stale("open pages " + strings.Join(urls, ", "))
	}
	return nil, stepErr(schemas.ErrInvalidStep, "select", "page "+sel.String(), fmt.Errorf("unknown page selector kind %q", sel.Kind))
}

func pickFrame(page browser.Page, sel schemas.FrameSelector) (browser.Frame, error) {
	frames := page.Frames()
	stale := func() error {
		e := stepErr(schemas.ErrContextStale, "select", "frame "+sel.String(), nil)
		e.Expected = "a matching attached frame"
		e.Observed = fmt.Sprintf("%d frame(s) in page", len(frames))
		return e
	}

	switch sel.Kind {
	case "", schemas.FrameMain:
		return page.MainFrame(), nil
	case schemas.FrameIndex:
		// frames[0] is the main frame.
		if sel.Index+1 < len(frames) {
			return frames[sel.Index+1], nil
		}
		return nil, stale()
	case schemas.FrameName, schemas.FrameURLContains:
		for _, f := range frames {
			if f.IsDetached() {
				continue
			}
			if sel.Kind == schemas.FrameName && f.Name() == sel.Name {
				return f, nil
			}
			if sel.Kind == schemas.FrameURLContains && strings.Contains(f.URL(), sel.Contains) {
				return f, nil
			}
		}
		return nil, stale()
	}
	return nil, stepErr(schemas.ErrInvalidStep, "select", "frame "+sel.String(), fmt.Errorf("unknown frame selector kind %q", sel.Kind))
}
