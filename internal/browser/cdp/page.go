package cdp

import (
	"context"
	"fmt"
	"sync"

	cdpproto "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/uiprobe/api/schemas"
	"github.com/xkilldash9x/uiprobe/internal/browser"
)

// Page is one Chrome tab. Frame state is maintained from protocol events, so
// LoadState and Frames never block.
type Page struct {
	id      string
	session *Session
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *zap.Logger

	ready     chan struct{}
	readyOnce sync.Once

	mu       sync.Mutex
	targetID target.ID
	main     *Frame
	frames   map[cdpproto.FrameID]*Frame
	closed   bool
}

var _ browser.Page = (*Page)(nil)

func newPage(s *Session, ctx context.Context, cancel context.CancelFunc) *Page {
	id := uuid.NewString()
	p := &Page{
		id:      id,
		session: s,
		ctx:     ctx,
		cancel:  cancel,
		logger:  s.logger.With(zap.String("page_id", id)),
		ready:   make(chan struct{}),
		frames:  make(map[cdpproto.FrameID]*Frame),
	}
	chromedp.ListenTarget(ctx, p.onEvent)
	return p
}

// attach connects to the target, enables lifecycle events and seeds the
// frame tree.
func (p *Page) attach(ctx context.Context) error {
	defer p.readyOnce.Do(func() { close(p.ready) })

	var (
		tree       *page.FrameTree
		readyState string
	)
	vp := p.session.cfg.Viewport
	err := p.do(ctx, chromedp.ActionFunc(func(c context.Context) error {
		if err := page.SetLifecycleEventsEnabled(true).Do(c); err != nil {
			return fmt.Errorf("enabling lifecycle events: %w", err)
		}
		if vp.Width > 0 && vp.Height > 0 {
			if err := chromedp.EmulateViewport(int64(vp.Width), int64(vp.Height)).Do(c); err != nil {
				return fmt.Errorf("emulating viewport: %w", err)
			}
		}
		var err error
		if tree, err = page.GetFrameTree().Do(c); err != nil {
			return fmt.Errorf("reading frame tree: %w", err)
		}
		return chromedp.Evaluate(`document.readyState`, &readyState).Do(c)
	}))
	if err != nil {
		return fmt.Errorf("attaching to page: %w", err)
	}

	if c := chromedp.FromContext(p.ctx); c != nil && c.Target != nil {
		p.mu.Lock()
		p.targetID = c.Target.TargetID
		p.mu.Unlock()
		p.session.remember(c.Target.TargetID)
	}
	p.seed(tree, nil)

	main := p.Main()
	if main != nil {
		switch readyState {
		case "complete":
			main.setState(schemas.LoadNetworkIdle)
		case "interactive":
			main.setState(schemas.LoadDOMContentLoaded)
		}
	}
	p.logger.Debug("Page attached.", zap.String("target_id", string(p.targetID)), zap.String("ready_state", readyState))
	return nil
}

func (p *Page) seed(tree *page.FrameTree, parent *Frame) {
	if tree == nil || tree.Frame == nil {
		return
	}
	f := p.upsertFrame(tree.Frame.ID, tree.Frame.ParentID)
	f.navigated(tree.Frame)
	if parent == nil {
		p.mu.Lock()
		p.main = f
		p.mu.Unlock()
	}
	for _, child := range tree.ChildFrames {
		p.seed(child, f)
	}
}

// onEvent runs on chromedp's event loop and must not issue commands.
func (p *Page) onEvent(ev interface{}) {
	switch ev := ev.(type) {
	case *page.EventFrameAttached:
		p.upsertFrame(ev.FrameID, ev.ParentFrameID)
	case *page.EventFrameNavigated:
		if ev.Frame == nil {
			return
		}
		f := p.upsertFrame(ev.Frame.ID, ev.Frame.ParentID)
		f.navigated(ev.Frame)
		if ev.Frame.ParentID == "" {
			p.mu.Lock()
			p.main = f
			p.mu.Unlock()
		}
	case *page.EventNavigatedWithinDocument:
		if f := p.frame(ev.FrameID); f != nil {
			f.setURL(ev.URL)
		}
	case *page.EventFrameDetached:
		// A swap moves the frame to another process; it is not removed.
		if ev.Reason == "swap" {
			return
		}
		p.detachFrame(ev.FrameID)
	case *page.EventLifecycleEvent:
		if f := p.frame(ev.FrameID); f != nil {
			f.lifecycle(ev.LoaderID, ev.Name)
		}
	case *runtime.EventExecutionContextsCleared:
		p.mu.Lock()
		for _, f := range p.frames {
			f.dropWorld()
		}
		p.mu.Unlock()
	case *target.EventTargetCreated:
		p.session.adopt(ev.TargetInfo)
	case *target.EventTargetDestroyed:
		p.session.targetGone(ev.TargetID)
	case *inspector.EventDetached:
		p.markClosed()
	}
}

func (p *Page) upsertFrame(id, parentID cdpproto.FrameID) *Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	if f, ok := p.frames[id]; ok {
		return f
	}
	f := newFrame(p, id, parentID)
	p.frames[id] = f
	if parent, ok := p.frames[parentID]; ok && parentID != "" {
		parent.addChild(f)
	}
	return f
}

func (p *Page) frame(id cdpproto.FrameID) *Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frames[id]
}

func (p *Page) detachFrame(id cdpproto.FrameID) {
	p.mu.Lock()
	f, ok := p.frames[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	var drop func(*Frame)
	drop = func(f *Frame) {
		delete(p.frames, f.id)
		for _, c := range f.childFrames() {
			drop(c)
		}
	}
	drop(f)
	if parent, ok := p.frames[f.parentID]; ok {
		parent.removeChild(f)
	}
	p.mu.Unlock()
	f.detachTree()
}

func (p *Page) markClosed() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	main := p.main
	p.mu.Unlock()
	if main != nil {
		main.detachTree()
	}
	if p.cancel != nil {
		p.cancel()
	}
}

func (p *Page) target() target.ID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.targetID
}

// do runs actions against the page's target, bounded by ctx.
func (p *Page) do(ctx context.Context, actions ...chromedp.Action) error {
	if p.IsClosed() {
		return browser.ErrTargetClosed
	}
	runCtx, cancel := browser.CombineContext(p.ctx, ctx)
	defer cancel()
	return translate(p.ctx, ctx, chromedp.Run(runCtx, actions...))
}

// run is do after the page has finished attaching.
func (p *Page) run(ctx context.Context, actions ...chromedp.Action) error {
	select {
	case <-p.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	return p.do(ctx, actions...)
}

func (p *Page) ID() string { return p.id }

func (p *Page) IsClosed() bool {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	return closed || p.ctx.Err() != nil
}

func (p *Page) URL(ctx context.Context) (string, error) {
	var u string
	if err := p.run(ctx, chromedp.Location(&u)); err != nil {
		return "", err
	}
	return u, nil
}

func (p *Page) Title(ctx context.Context) (string, error) {
	var t string
	if err := p.run(ctx, chromedp.Title(&t)); err != nil {
		return "", err
	}
	return t, nil
}

// Navigate issues Page.navigate and returns when Chrome reports the
// navigation committed. It does not wait for any load event.
func (p *Page) Navigate(ctx context.Context, url string) error {
	var res page.NavigateReturns
	err := p.run(ctx, chromedp.ActionFunc(func(c context.Context) error {
		return cdpproto.Execute(c, page.CommandNavigate, page.Navigate(url), &res)
	}))
	if err != nil {
		return err
	}
	if res.ErrorText != "" {
		return fmt.Errorf("navigating to %s: %s", url, res.ErrorText)
	}
	if main := p.Main(); main != nil && res.LoaderID != "" {
		main.committed(res.LoaderID)
	}
	p.logger.Debug("Navigation committed.", zap.String("url", url), zap.String("loader_id", string(res.LoaderID)))
	return nil
}

// Main returns the main frame, or nil before the page has attached.
func (p *Page) Main() *Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.main
}

// attached reports whether attach has finished, successfully or not.
func (p *Page) attached() bool {
	select {
	case <-p.ready:
		return true
	default:
		return false
	}
}

// MainFrame never waits for attach. Until the page has attached, and for a
// target that failed to attach, it returns a detached placeholder.
func (p *Page) MainFrame() browser.Frame {
	if p.attached() {
		if f := p.Main(); f != nil {
			return f
		}
	}
	f := newFrame(p, "", "")
	f.detachTree()
	return f
}

func (p *Page) Frames() []browser.Frame {
	main := p.MainFrame().(*Frame)
	var out []browser.Frame
	var walk func(*Frame)
	walk = func(f *Frame) {
		out = append(out, f)
		for _, c := range f.childFrames() {
			walk(c)
		}
	}
	walk(main)
	return out
}
