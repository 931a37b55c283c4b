package cdp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	cdpproto "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/uiprobe/internal/browser"
	"github.com/xkilldash9x/uiprobe/internal/config"
)

// Session is one Chrome browser context. Its first page is the target
// chromedp creates together with the context; later pages are new tabs or
// popups opened by the application.
type Session struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	cfg    config.BrowserConfig
	logger *zap.Logger

	browserContextID cdpproto.BrowserContextID

	mu        sync.Mutex
	pages     []*Page
	known     map[target.ID]bool
	firstUsed bool
	closed    bool

	attaching sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

var _ browser.Session = (*Session)(nil)

// defaultAttachTimeout bounds attaching to an application-opened page when
// the configuration leaves browser.attach_timeout unset.
const defaultAttachTimeout = 10 * time.Second

func newSession(ctx, browserCtx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Session, error) {
	sctx, cancel := chromedp.NewContext(browserCtx, chromedp.WithNewBrowserContext())
	s := &Session{
		id:     uuid.NewString(),
		ctx:    sctx,
		cancel: cancel,
		cfg:    cfg,
		known:  make(map[target.ID]bool),
	}
	s.logger = logger.With(zap.String("session_id", s.id))

	// Creating the browser context and its first target happens on first Run.
	runCtx, stop := browser.CombineContext(sctx, ctx)
	defer stop()
	if err := chromedp.Run(runCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}
	if c := chromedp.FromContext(sctx); c != nil {
		s.browserContextID = c.BrowserContextID
	}
	s.logger.Debug("Session created.", zap.String("browser_context_id", string(s.browserContextID)))
	return s, nil
}

func (s *Session) ID() string { return s.id }

// NewPage returns the session's initial page on the first call and opens a
// new tab afterwards.
func (s *Session) NewPage(ctx context.Context) (browser.Page, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, browser.ErrTargetClosed
	}
	first := !s.firstUsed
	s.firstUsed = true
	s.mu.Unlock()

	var (
		pctx   context.Context
		cancel context.CancelFunc
	)
	if first {
		pctx = s.ctx
	} else {
		pctx, cancel = chromedp.NewContext(s.ctx)
	}

	p := newPage(s, pctx, cancel)
	s.register(p)
	if err := p.attach(ctx); err != nil {
		p.markClosed()
		return nil, err
	}
	return p, nil
}

func (s *Session) register(p *Page) {
	s.mu.Lock()
	s.pages = append(s.pages, p)
	s.mu.Unlock()
}

// Pages returns the open pages in creation order.
func (s *Session) Pages() []browser.Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []browser.Page
	for _, p := range s.pages {
		if !p.IsClosed() {
			out = append(out, p)
		}
	}
	return out
}

// adopt attaches to a page the application opened. It is called from event
// listeners and must not block.
func (s *Session) adopt(info *target.Info) {
	if info == nil || info.Type != "page" || info.OpenerID == "" {
		return
	}
	if s.browserContextID != "" && info.BrowserContextID != s.browserContextID {
		return
	}

	s.mu.Lock()
	if s.closed || s.known[info.TargetID] {
		s.mu.Unlock()
		return
	}
	s.known[info.TargetID] = true
	pctx, cancel := chromedp.NewContext(s.ctx, chromedp.WithTargetID(info.TargetID))
	p := newPage(s, pctx, cancel)
	s.pages = append(s.pages, p)
	s.attaching.Add(1)
	s.mu.Unlock()

	s.logger.Debug("Adopting page opened by the application.",
		zap.String("target_id", string(info.TargetID)),
		zap.String("opener_id", string(info.OpenerID)),
		zap.String("url", info.URL))

	go func() {
		defer s.attaching.Done()
		// A dialog opened during load stalls Runtime.evaluate indefinitely.
		ctx, cancel := context.WithTimeout(s.ctx, s.attachTimeout())
		defer cancel()
		if err := p.attach(ctx); err != nil {
			s.logger.Debug("Could not attach to opened page.", zap.String("target_id", string(info.TargetID)), zap.Error(err))
			p.markClosed()
		}
	}()
}

func (s *Session) attachTimeout() time.Duration {
	if s.cfg.AttachTimeout > 0 {
		return s.cfg.AttachTimeout
	}
	return defaultAttachTimeout
}

// remember marks a target as already tracked so adopt ignores it.
func (s *Session) remember(id target.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.known[id] = true
}

// targetGone marks the page backed by id as closed.
func (s *Session) targetGone(id target.ID) {
	s.mu.Lock()
	pages := append([]*Page(nil), s.pages...)
	s.mu.Unlock()
	for _, p := range pages {
		if p.target() == id {
			p.markClosed()
		}
	}
}

// Close disposes of the browser context and every page in it.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		pages := append([]*Page(nil), s.pages...)
		s.mu.Unlock()

		done := make(chan error, 1)
		go func() { done <- chromedp.Cancel(s.ctx) }()
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				s.closeErr = fmt.Errorf("disposing browser context: %w", err)
			}
		case <-ctx.Done():
			s.closeErr = fmt.Errorf("disposing browser context: %w", ctx.Err())
		}
		s.cancel()
		s.attaching.Wait()
		for _, p := range pages {
			p.markClosed()
		}
		s.logger.Debug("Session closed.", zap.Int("pages", len(pages)))
	})
	return s.closeErr
}
