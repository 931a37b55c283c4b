// Package browsertest provides a scriptable in-memory implementation of the
// browser capability. A Site function renders a page's DOM for each
// navigation; elements can appear, become visible or stop being obscured
// after a delay, and clicks can open new pages.
package browsertest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/xkilldash9x/uiprobe/api/schemas"
	"github.com/xkilldash9x/uiprobe/internal/browser"
)

// Site renders the DOM for url into p's main frame.
type Site func(p *Page, url string)

// Automation is the fake browser. It is safe for concurrent use.
type Automation struct {
	site Site

	// NavigateDelay delays every navigation; ctx cancellation interrupts it.
	NavigateDelay time.Duration
	// NewSessionErr, NewPageErr and CloseErr are returned by the
	// corresponding operations when set.
	NewSessionErr error
	NewPageErr    error
	CloseErr      error

	mu       sync.Mutex
	sessions []*Session
	closed   atomic.Int32
	opened   atomic.Int32
}

var _ browser.Automation = (*Automation)(nil)

// NewAutomation returns a fake browser serving site. A nil site renders empty pages.
func NewAutomation(site Site) *Automation {
	if site == nil {
		site = func(*Page, string) {}
	}
	return &Automation{site: site}
}

func (a *Automation) NewSession(ctx context.Context) (browser.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if a.NewSessionErr != nil {
		return nil, a.NewSessionErr
	}
	s := &Session{id: uuid.NewString(), automation: a}
	a.mu.Lock()
	a.sessions = append(a.sessions, s)
	a.mu.Unlock()
	a.opened.Add(1)
	return s, nil
}

func (a *Automation) Close(context.Context) error { return nil }

// Sessions returns every session created so far.
func (a *Automation) Sessions() []*Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*Session(nil), a.sessions...)
}

// SessionsOpened and SessionsClosed count lifecycle calls across all sessions.
func (a *Automation) SessionsOpened() int { return int(a.opened.Load()) }
func (a *Automation) SessionsClosed() int { return int(a.closed.Load()) }

// Session is a fake isolated browsing context.
type Session struct {
	id         string
	automation *Automation

	mu         sync.Mutex
	pages      []*Page
	closed     bool
	closeCalls int
}

var _ browser.Session = (*Session)(nil)

func (s *Session) ID() string { return s.id }

func (s *Session) NewPage(ctx context.Context) (browser.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.automation.NewPageErr != nil {
		return nil, s.automation.NewPageErr
	}
	return s.OpenPage("about:blank")
}

// OpenPage adds a page the way an application-opened popup would appear and
// renders url into it.
func (s *Session) OpenPage(url string) (*Page, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, browser.ErrTargetClosed
	}
	p := &Page{id: fmt.Sprintf("page-%d", len(s.pages)+1), session: s, url: url}
	p.main = newFrame(p, "", "", url)
	s.pages = append(s.pages, p)
	s.mu.Unlock()

	if url != "about:blank" {
		p.render(url)
	} else {
		p.main.setLoadState(schemas.LoadNetworkIdle)
	}
	return p, nil
}

// OpenAttachingPage adds a page that has appeared but not finished attaching,
// as a popup stuck behind a dialog would. Its main frame reads as detached and
// its URL blocks until FinishAttach is called.
func (s *Session) OpenAttachingPage(url string) (*Page, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, browser.ErrTargetClosed
	}
	p := &Page{id: fmt.Sprintf("page-%d", len(s.pages)+1), session: s, url: url, ready: make(chan struct{})}
	p.main = newFrame(p, "", "", url)
	s.pages = append(s.pages, p)
	s.mu.Unlock()
	return p, nil
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

// AllPages returns every page ever opened, closed ones included.
func (s *Session) AllPages() []*Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Page(nil), s.pages...)
}

func (s *Session) Close(context.Context) error {
	s.mu.Lock()
	s.closeCalls++
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pages := append([]*Page(nil), s.pages...)
	s.mu.Unlock()

	for _, p := range pages {
		p.Close()
	}
	s.automation.closed.Add(1)
	return s.automation.CloseErr
}

// CloseCalls is how many times Close was invoked.
func (s *Session) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// Page is a fake top-level document.
type Page struct {
	id      string
	session *Session

	mu          sync.Mutex
	url         string
	title       string
	main        *Frame
	closed      bool
	ready       chan struct{}
	navigations []string
	// NavigateErr is returned by the next navigations when set.
	NavigateErr error
}

var _ browser.Page = (*Page)(nil)

func (p *Page) ID() string { return p.id }

// Session returns the owning session so click hooks can open popups.
func (p *Page) Session() *Session { return p.session }

func (p *Page) URL(ctx context.Context) (string, error) {
	if err := p.awaitAttach(ctx); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return "", browser.ErrTargetClosed
	}
	return p.url, nil
}

func (p *Page) Title(ctx context.Context) (string, error) {
	if err := p.awaitAttach(ctx); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return "", browser.ErrTargetClosed
	}
	return p.title, nil
}

// FinishAttach completes attaching a page from OpenAttachingPage and renders
// its URL.
func (p *Page) FinishAttach() {
	p.mu.Lock()
	ready, url := p.ready, p.url
	p.ready = nil
	p.mu.Unlock()
	if ready == nil {
		return
	}
	close(ready)
	p.render(url)
}

func (p *Page) attaching() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready != nil && !p.closed
}

func (p *Page) awaitAttach(ctx context.Context) error {
	p.mu.Lock()
	ready, closed := p.ready, p.closed
	p.mu.Unlock()
	if ready == nil || closed {
		return nil
	}
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetTitle sets the document title.
func (p *Page) SetTitle(title string) {
	p.mu.Lock()
	p.title = title
	p.mu.Unlock()
}

// SetURL changes the URL without a navigation, as client-side routing does.
func (p *Page) SetURL(url string) {
	p.mu.Lock()
	p.url = url
	p.mu.Unlock()
}

func (p *Page) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close closes the page as if the application or user had closed the tab.
func (p *Page) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	main := p.main
	p.mu.Unlock()
	main.detachTree()
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	p.mu.Lock()
	closed, navErr := p.closed, p.NavigateErr
	p.mu.Unlock()
	if closed {
		return browser.ErrTargetClosed
	}
	if d := p.session.automation.NavigateDelay; d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	if navErr != nil {
		return navErr
	}
	p.render(url)
	return nil
}

// render replaces the main frame's document. The main frame itself survives
// navigation, as it does in a real browser; its children do not.
func (p *Page) render(url string) {
	p.mu.Lock()
	p.url = url
	p.navigations = append(p.navigations, url)
	main := p.main
	p.mu.Unlock()

	main.reset(url)
	p.session.automation.site(p, url)
	main.finishLoad()
}

// Navigations lists every URL navigated to, in order.
func (p *Page) Navigations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.navigations...)
}

// Main returns the fake main frame for DOM setup.
func (p *Page) Main() *Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.main
}

// MainFrame returns a detached placeholder while the page is attaching.
func (p *Page) MainFrame() browser.Frame {
	if p.attaching() {
		f := newFrame(p, "", "", "")
		f.detachTree()
		return f
	}
	return p.Main()
}

func (p *Page) Frames() []browser.Frame {
	if p.attaching() {
		return []browser.Frame{p.MainFrame()}
	}
	var out []browser.Frame
	var walk func(f *Frame)
	walk = func(f *Frame) {
		out = append(out, f)
		for _, c := range f.childFrames() {
			walk(c)
		}
	}
	walk(p.Main())
	return out
}

// Frame is a fake frame holding elements keyed by selector expression.
type Frame struct {
	id       string
	name     string
	parentID string
	url      string
	page     *Page

	mu       sync.Mutex
	state    schemas.LoadState
	hold     bool
	detached bool
	children []*Frame
	elements map[string][]*Element
	queries  int
}

var _ browser.Frame = (*Frame)(nil)

func newFrame(p *Page, name, parentID, url string) *Frame {
	return &Frame{
		id:       uuid.NewString(),
		name:     name,
		parentID: parentID,
		url:      url,
		page:     p,
		elements: make(map[string][]*Element),
	}
}

func (f *Frame) ID() string       { return f.id }
func (f *Frame) Name() string     { return f.name }
func (f *Frame) ParentID() string { return f.parentID }
func (f *Frame) URL() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.url
}

func (f *Frame) IsDetached() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.detached
}

func (f *Frame) LoadState() schemas.LoadState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// SetLoadState moves the frame to st.
func (f *Frame) SetLoadState(st schemas.LoadState) {
	f.setLoadState(st)
}

// HoldAt pins the frame at st; navigation will not advance it further.
func (f *Frame) HoldAt(st schemas.LoadState) {
	f.mu.Lock()
	f.state = st
	f.hold = true
	f.mu.Unlock()
}

func (f *Frame) setLoadState(st schemas.LoadState) {
	f.mu.Lock()
	f.state = st
	f.mu.Unlock()
}

func (f *Frame) finishLoad() {
	f.mu.Lock()
	if !f.hold {
		f.state = schemas.LoadNetworkIdle
	}
	children := append([]*Frame(nil), f.children...)
	f.mu.Unlock()
	for _, c := range children {
		c.finishLoad()
	}
}

// AddChild attaches an iframe.
func (f *Frame) AddChild(name, url string) *Frame {
	c := newFrame(f.page, name, f.id, url)
	c.state = schemas.LoadCommitted
	f.mu.Lock()
	f.children = append(f.children, c)
	f.mu.Unlock()
	return c
}

// Detach removes the frame (and its descendants) from the page.
func (f *Frame) Detach() {
	f.detachTree()
	// Unlink from the parent so Frames stops listing it.
	for _, candidate := range f.page.Frames() {
		pf := candidate.(*Frame)
		pf.mu.Lock()
		for i, c := range pf.children {
			if c == f {
				pf.children = append(pf.children[:i:i], pf.children[i+1:]...)
				break
			}
		}
		pf.mu.Unlock()
	}
}

func (f *Frame) detachTree() {
	f.mu.Lock()
	f.detached = true
	children := append([]*Frame(nil), f.children...)
	f.mu.Unlock()
	for _, c := range children {
		c.detachTree()
	}
}

func (f *Frame) reset(url string) {
	f.mu.Lock()
	children := f.children
	f.children = nil
	f.url = url
	f.state = schemas.LoadCommitted
	f.hold = false
	old := f.elements
	f.elements = make(map[string][]*Element)
	f.mu.Unlock()
	for _, c := range children {
		c.detachTree()
	}
	for _, els := range old {
		for _, el := range els {
			el.mu.Lock()
			el.removed = true
			el.mu.Unlock()
		}
	}
}

func (f *Frame) childFrames() []*Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Frame(nil), f.children...)
}

// Add registers el as the next match of expr (a selector expression without
// its kind prefix) and returns it.
func (f *Frame) Add(expr string, el *Element) *Element {
	el.frame = f
	el.created = time.Now()
	f.mu.Lock()
	f.elements[expr] = append(f.elements[expr], el)
	f.mu.Unlock()
	return el
}

// Remove deletes every match of expr.
func (f *Frame) Remove(expr string) {
	f.mu.Lock()
	els := f.elements[expr]
	delete(f.elements, expr)
	f.mu.Unlock()
	for _, el := range els {
		el.mu.Lock()
		el.removed = true
		el.mu.Unlock()
	}
}

// Queries is how many times Query was called on the frame.
func (f *Frame) Queries() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries
}

func (f *Frame) Query(ctx context.Context, sel schemas.Selector, nth int) (browser.Element, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	if f.page.IsClosed() {
		return nil, 0, browser.ErrTargetClosed
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	if f.detached {
		return nil, 0, browser.ErrFrameDetached
	}
	if strings.Contains(sel.Expr, "[[") {
		return nil, 0, fmt.Errorf("%w: %s", browser.ErrInvalidSelector, sel)
	}
	var present []*Element
	for _, el := range f.elements[sel.Expr] {
		if el.present() {
			present = append(present, el)
		}
	}
	if nth < 0 || nth >= len(present) {
		return nil, len(present), nil
	}
	return present[nth], len(present), nil
}

// Element is a fake DOM node. Configure it before adding it to a frame.
type Element struct {
	// Timing, measured from Add.
	AppearAfter    time.Duration
	VisibleAfter   time.Duration
	ObscuredFor    time.Duration
	EnabledAfter   time.Duration
	DisappearAfter time.Duration

	Hidden   bool
	Disabled bool
	ReadOnly bool
	// Offscreen elements lie outside the viewport until scrolled into view.
	Offscreen bool
	// Unstable elements move on every State call, like a running animation.
	Unstable bool
	Box      browser.Rect
	// TextContent is returned by Text.
	TextContent string

	// OnClick runs after a successful click. It may open pages, mutate the
	// DOM or panic.
	OnClick  func(p *Page)
	ClickErr error
	FillErr  error
	// FillTransform alters what the field ends up holding (input masks).
	FillTransform func(string) string

	frame   *Frame
	created time.Time

	mu      sync.Mutex
	removed bool
	value   string
	clicks  int
	fills   []string
	states  int
	scrolls int
}

var _ browser.Element = (*Element)(nil)

// NewElement returns a visible, enabled, editable element with a fixed box.
func NewElement() *Element {
	return &Element{Box: browser.Rect{X: 100, Y: 100, Width: 120, Height: 32}}
}

// Button is NewElement with text.
func Button(text string) *Element {
	el := NewElement()
	el.TextContent = text
	return el
}

func (e *Element) present() bool {
	e.mu.Lock()
	removed := e.removed
	e.mu.Unlock()
	if removed {
		return false
	}
	age := time.Since(e.created)
	if age < e.AppearAfter {
		return false
	}
	return e.DisappearAfter == 0 || age < e.DisappearAfter
}

func (e *Element) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.frame.page.IsClosed() {
		return browser.ErrTargetClosed
	}
	if e.frame.IsDetached() {
		return browser.ErrFrameDetached
	}
	return nil
}

func (e *Element) State(ctx context.Context) (browser.ElementState, error) {
	if err := e.check(ctx); err != nil {
		return browser.ElementState{}, err
	}
	age := time.Since(e.created)
	e.mu.Lock()
	e.states++
	box := e.Box
	if e.Unstable {
		box.X += float64(e.states)
	}
	inView := !e.Offscreen || e.scrolls > 0
	e.mu.Unlock()
	return browser.ElementState{
		Attached:   e.present(),
		Visible:    !e.Hidden && age >= e.VisibleAfter,
		Obscured:   age < e.ObscuredFor,
		Enabled:    !e.Disabled && age >= e.EnabledAfter,
		Editable:   !e.Disabled && !e.ReadOnly,
		InViewport: inView,
		Box:        box,
	}, nil
}

func (e *Element) ScrollIntoView(ctx context.Context) error {
	if err := e.check(ctx); err != nil {
		return err
	}
	e.mu.Lock()
	e.scrolls++
	e.mu.Unlock()
	return nil
}

// Scrolls is the number of ScrollIntoView calls.
func (e *Element) Scrolls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scrolls
}

func (e *Element) Click(ctx context.Context) error {
	if err := e.check(ctx); err != nil {
		return err
	}
	if e.ClickErr != nil {
		return e.ClickErr
	}
	e.mu.Lock()
	e.clicks++
	e.mu.Unlock()
	if e.OnClick != nil {
		e.OnClick(e.frame.page)
	}
	return nil
}

func (e *Element) Fill(ctx context.Context, text string) error {
	if err := e.check(ctx); err != nil {
		return err
	}
	if e.FillErr != nil {
		return e.FillErr
	}
	if e.Disabled || e.ReadOnly {
		return errors.New("element is not editable")
	}
	v := text
	if e.FillTransform != nil {
		v = e.FillTransform(text)
	}
	e.mu.Lock()
	e.value = v
	e.fills = append(e.fills, text)
	e.mu.Unlock()
	return nil
}

func (e *Element) Text(ctx context.Context) (string, error) {
	if err := e.check(ctx); err != nil {
		return "", err
	}
	return e.TextContent, nil
}

func (e *Element) Value(ctx context.Context) (string, error) {
	if err := e.check(ctx); err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.value, nil
}

// Clicks is the number of successful clicks.
func (e *Element) Clicks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clicks
}

// Fills lists every text passed to Fill.
func (e *Element) Fills() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.fills...)
}

// CurrentValue is the field's value without a context.
func (e *Element) CurrentValue() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.value
}
