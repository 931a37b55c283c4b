package cdp

import (
	"context"
	"errors"
	"fmt"
	"sync"

	cdpproto "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"github.com/xkilldash9x/uiprobe/api/schemas"
	"github.com/xkilldash9x/uiprobe/internal/browser"
)

// Frame tracks one frame of a page. Lookups run in an isolated world that is
// created lazily and dropped whenever the frame's document changes.
type Frame struct {
	page     *Page
	id       cdpproto.FrameID
	parentID cdpproto.FrameID

	mu       sync.Mutex
	name     string
	url      string
	loader   cdpproto.LoaderID
	state    schemas.LoadState
	world    runtime.ExecutionContextID
	children []*Frame
	detached bool

	// groups holds the object groups of recent queries, oldest first.
	groups   []string
	groupSeq int
}

var _ browser.Frame = (*Frame)(nil)

// liveGroups is how many recent queries per frame keep their element handles.
// Older groups are released so polling does not accumulate remote objects.
const liveGroups = 4

func newFrame(p *Page, id, parentID cdpproto.FrameID) *Frame {
	return &Frame{page: p, id: id, parentID: parentID, state: schemas.LoadPending}
}

func (f *Frame) ID() string       { return string(f.id) }
func (f *Frame) ParentID() string { return string(f.parentID) }

func (f *Frame) Name() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.name
}

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

// navigated records a committed cross-document navigation.
func (f *Frame) navigated(fr *cdpproto.Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.name = fr.Name
	f.url = fr.URL + fr.URLFragment
	if fr.LoaderID != f.loader {
		f.loader = fr.LoaderID
		f.state = schemas.LoadCommitted
	} else if f.state < schemas.LoadCommitted {
		f.state = schemas.LoadCommitted
	}
	f.world = 0
}

// committed is called with the loader id Page.navigate returned. Lifecycle
// events for the new document may already have arrived.
func (f *Frame) committed(loader cdpproto.LoaderID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loader == loader {
		return
	}
	f.loader = loader
	f.state = schemas.LoadCommitted
	f.world = 0
}

// lifecycle applies a Page.lifecycleEvent. Events for a superseded loader
// are ignored and state never moves backwards within one document.
func (f *Frame) lifecycle(loader cdpproto.LoaderID, name string) {
	st, ok := lifecycleState(name)
	if !ok {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if name == "init" {
		if loader != f.loader {
			f.loader = loader
			f.state = schemas.LoadCommitted
			f.world = 0
		}
		return
	}
	if f.loader != "" && loader != "" && loader != f.loader {
		return
	}
	if st > f.state {
		f.state = st
	}
}

func (f *Frame) setState(st schemas.LoadState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st > f.state {
		f.state = st
	}
}

func (f *Frame) setURL(u string) {
	f.mu.Lock()
	f.url = u
	f.mu.Unlock()
}

func (f *Frame) dropWorld() {
	f.mu.Lock()
	f.world = 0
	// Objects die with their world.
	f.groups = nil
	f.mu.Unlock()
}

// nextGroup names the object group for a new query and returns the groups
// that fell out of the live window.
func (f *Frame) nextGroup() (group string, stale []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groupSeq++
	group = fmt.Sprintf("%s-%s-%d", worldName, f.id, f.groupSeq)
	f.groups = append(f.groups, group)
	if n := len(f.groups) - liveGroups; n > 0 {
		stale = append(stale, f.groups[:n]...)
		f.groups = append([]string(nil), f.groups[n:]...)
	}
	return group, stale
}

func (f *Frame) addChild(c *Frame) {
	f.mu.Lock()
	f.children = append(f.children, c)
	f.mu.Unlock()
}

func (f *Frame) removeChild(c *Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, x := range f.children {
		if x == c {
			f.children = append(f.children[:i], f.children[i+1:]...)
			return
		}
	}
}

func (f *Frame) childFrames() []*Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Frame(nil), f.children...)
}

// detachTree marks f and all of its descendants detached.
func (f *Frame) detachTree() {
	f.mu.Lock()
	f.detached = true
	f.world = 0
	children := append([]*Frame(nil), f.children...)
	f.mu.Unlock()
	for _, c := range children {
		c.detachTree()
	}
}

// worldID returns the frame's isolated world, creating it when needed. It
// must run inside a chromedp action.
func (f *Frame) worldID(c context.Context) (runtime.ExecutionContextID, error) {
	f.mu.Lock()
	id := f.world
	f.mu.Unlock()
	if id != 0 {
		return id, nil
	}
	id, err := page.CreateIsolatedWorld(f.id).WithWorldName(worldName).Do(c)
	if err != nil {
		return 0, fmt.Errorf("creating isolated world: %w", err)
	}
	f.mu.Lock()
	f.world = id
	f.mu.Unlock()
	return id, nil
}

// Query evaluates sel in the frame and returns the nth match and the total
// match count. A destroyed world is recreated and the lookup retried once.
func (f *Frame) Query(ctx context.Context, sel schemas.Selector, nth int) (browser.Element, int, error) {
	expr, err := queryExpression(sel)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", browser.ErrInvalidSelector, err)
	}
	for attempt := 0; ; attempt++ {
		if f.IsDetached() {
			return nil, 0, browser.ErrFrameDetached
		}
		el, n, err := f.query(ctx, sel, expr, nth)
		if errors.Is(err, errWorldGone) && attempt == 0 {
			f.dropWorld()
			continue
		}
		if err != nil && f.IsDetached() {
			return nil, 0, fmt.Errorf("%w: %v", browser.ErrFrameDetached, err)
		}
		return el, n, err
	}
}

func (f *Frame) query(ctx context.Context, sel schemas.Selector, expr string, nth int) (browser.Element, int, error) {
	var (
		el      *Element
		matches int
	)
	group, stale := f.nextGroup()
	err := f.page.run(ctx, chromedp.ActionFunc(func(c context.Context) error {
		for _, g := range stale {
			_ = runtime.ReleaseObjectGroup(g).Do(c)
		}
		world, err := f.worldID(c)
		if err != nil {
			return err
		}
		arr, exc, err := runtime.Evaluate(expr).WithContextID(world).WithObjectGroup(group).Do(c)
		if err != nil {
			return err
		}
		if exc != nil {
			return exceptionError(sel, exc)
		}
		if arr == nil || arr.ObjectID == "" {
			return fmt.Errorf("evaluating %s: no result", sel)
		}
		defer func() { _ = runtime.ReleaseObject(arr.ObjectID).Do(c) }()

		res, exc, err := runtime.CallFunctionOn(lengthFunction).
			WithObjectID(arr.ObjectID).
			WithReturnByValue(true).
			Do(c)
		if err != nil {
			return err
		}
		if exc != nil {
			return exceptionError(sel, exc)
		}
		if err := json.Unmarshal([]byte(res.Value), &matches); err != nil {
			return fmt.Errorf("decoding match count: %w", err)
		}
		if nth < 0 || nth >= matches {
			return nil
		}

		item, exc, err := runtime.CallFunctionOn(indexFunction(nth)).
			WithObjectID(arr.ObjectID).
			WithObjectGroup(group).
			Do(c)
		if err != nil {
			return err
		}
		if exc != nil {
			return exceptionError(sel, exc)
		}
		if item == nil || item.ObjectID == "" {
			return nil
		}
		el = &Element{frame: f, id: item.ObjectID}
		return nil
	}))
	if err != nil {
		return nil, 0, err
	}
	if el == nil {
		return nil, matches, nil
	}
	return el, matches, nil
}
