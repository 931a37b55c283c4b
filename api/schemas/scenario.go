package schemas

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// -- Selector Schemas --

// SelectorKind names the query language of a Selector.
type SelectorKind string

const (
	SelectorXPath SelectorKind = "xpath"
	SelectorCSS   SelectorKind = "css"
	// SelectorText matches the deepest elements whose normalized text
	// contains the expression.
	SelectorText SelectorKind = "text"
)

// Selector is a structural path expression evaluated against a frame's DOM.
type Selector struct {
	Kind SelectorKind `json:"kind"`
	Expr string       `json:"expr"`
}

// ParseSelector reads the textual form "kind=expr". Without a prefix,
// absolute paths ("/", "(" or "html/") are XPath and anything else is CSS.
func ParseSelector(raw string) (Selector, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Selector{}, fmt.Errorf("empty selector")
	}
	for _, kind := range []SelectorKind{SelectorXPath, SelectorCSS, SelectorText} {
		prefix := string(kind) + "="
		if strings.HasPrefix(s, prefix) {
			expr := strings.TrimSpace(strings.TrimPrefix(s, prefix))
			if expr == "" {
				return Selector{}, fmt.Errorf("selector %q has an empty %s expression", raw, kind)
			}
			return Selector{Kind: kind, Expr: normalizeXPath(kind, expr)}, nil
		}
	}
	if strings.HasPrefix(s, "/") || strings.HasPrefix(s, "(") || strings.HasPrefix(s, "html/") {
		return Selector{Kind: SelectorXPath, Expr: normalizeXPath(SelectorXPath, s)}, nil
	}
	return Selector{Kind: SelectorCSS, Expr: s}, nil
}

// normalizeXPath anchors the relative "html/body/..." paths recorded by
// browser tooling to the document root.
func normalizeXPath(kind SelectorKind, expr string) string {
	if kind == SelectorXPath && strings.HasPrefix(expr, "html/") {
		return "/" + expr
	}
	return expr
}

func (s Selector) String() string {
	return string(s.Kind) + "=" + s.Expr
}

// -- Element Reference Schemas --

// ElementRef addresses one occurrence of a selector's matches. It never holds
// a live element; every use resolves it afresh.
type ElementRef struct {
	Selector Selector `json:"selector"`
	Nth      int      `json:"nth"`
}

// ParseRef parses a selector and returns a reference to its first match.
func ParseRef(raw string) (ElementRef, error) {
	sel, err := ParseSelector(raw)
	if err != nil {
		return ElementRef{}, err
	}
	return ElementRef{Selector: sel}, nil
}

// MustRef is ParseRef for literals known to be valid. It panics otherwise.
func MustRef(raw string) ElementRef {
	ref, err := ParseRef(raw)
	if err != nil {
		panic(err)
	}
	return ref
}

// At returns a copy of the reference addressing the n-th match.
func (r ElementRef) At(n int) ElementRef {
	r.Nth = n
	return r
}

func (r ElementRef) IsZero() bool {
	return r.Selector.Expr == ""
}

func (r ElementRef) String() string {
	if r.Nth == 0 {
		return r.Selector.String()
	}
	return fmt.Sprintf("%s >> nth=%d", r.Selector, r.Nth)
}

// -- Load State --

// LoadState is the readiness of a page or frame. Values are ordered; a
// frame at a later state has passed every earlier one.
type LoadState int

const (
	LoadPending LoadState = iota
	LoadCommitted
	LoadDOMContentLoaded
	LoadLoaded
	LoadNetworkIdle
)

var loadStateNames = map[LoadState]string{
	LoadPending:          "pending",
	LoadCommitted:        "committed",
	LoadDOMContentLoaded: "domcontentloaded",
	LoadLoaded:           "load",
	LoadNetworkIdle:      "networkidle",
}

func (s LoadState) String() string {
	if name, ok := loadStateNames[s]; ok {
		return name
	}
	return "LoadState(" + strconv.Itoa(int(s)) + ")"
}

// Reached reports whether s is at or past target.
func (s LoadState) Reached(target LoadState) bool {
	return s >= target
}

// ParseLoadState accepts the lowercase names plus a few common aliases.
func ParseLoadState(raw string) (LoadState, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pending":
		return LoadPending, nil
	case "commit", "committed":
		return LoadCommitted, nil
	case "domcontentloaded", "dom_content_loaded", "domready":
		return LoadDOMContentLoaded, nil
	case "load", "loaded":
		return LoadLoaded, nil
	case "networkidle", "network_idle":
		return LoadNetworkIdle, nil
	}
	return LoadPending, fmt.Errorf("unknown load state %q", raw)
}

func (s LoadState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *LoadState) UnmarshalText(b []byte) error {
	parsed, err := ParseLoadState(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// -- Context Selection --

// PageSelectorKind chooses how a step picks its page among the session's
// open pages.
type PageSelectorKind string

const (
	PageLatest      PageSelectorKind = "latest"
	PageFirst       PageSelectorKind = "first"
	PageIndex       PageSelectorKind = "index"
	PageURLContains PageSelectorKind = "url"
)

// PageSelector picks a page. Index may be negative to count from the newest.
type PageSelector struct {
	Kind     PageSelectorKind `json:"kind"`
	Index    int              `json:"index,omitempty"`
	Contains string           `json:"contains,omitempty"`
}

// FrameSelectorKind chooses how a step picks a frame inside its page.
type FrameSelectorKind string

const (
	FrameMain        FrameSelectorKind = "main"
	FrameName        FrameSelectorKind = "name"
	FrameURLContains FrameSelectorKind = "url"
	FrameIndex       FrameSelectorKind = "index"
)

// FrameSelector picks a frame. Index counts child frames in document order.
type FrameSelector struct {
	Kind     FrameSelectorKind `json:"kind"`
	Name     string            `json:"name,omitempty"`
	Contains string            `json:"contains,omitempty"`
	Index    int               `json:"index,omitempty"`
}

// ContextTarget is an explicit (page, frame) choice attached to a step.
type ContextTarget struct {
	Page  PageSelector  `json:"page"`
	Frame FrameSelector `json:"frame"`
}

// ParsePageSelector reads "latest", "first", "index:N" or "url:<substring>".
func ParsePageSelector(raw string) (PageSelector, error) {
	kind, arg, _ := strings.Cut(strings.TrimSpace(raw), ":")
	switch PageSelectorKind(kind) {
	case "", PageLatest:
		return PageSelector{Kind: PageLatest}, nil
	case PageFirst:
		return PageSelector{Kind: PageFirst}, nil
	case PageIndex:
		n, err := strconv.Atoi(arg)
		if err != nil {
			return PageSelector{}, fmt.Errorf("page selector %q: index must be an integer", raw)
		}
		return PageSelector{Kind: PageIndex, Index: n}, nil
	case PageURLContains:
		if arg == "" {
			return PageSelector{}, fmt.Errorf("page selector %q: url substring is empty", raw)
		}
		return PageSelector{Kind: PageURLContains, Contains: arg}, nil
	}
	return PageSelector{}, fmt.Errorf("unknown page selector %q", raw)
}

// ParseFrameSelector reads "main", "name:<name>", "url:<substring>" or "index:N".
func ParseFrameSelector(raw string) (FrameSelector, error) {
	kind, arg, _ := strings.Cut(strings.TrimSpace(raw), ":")
	switch FrameSelectorKind(kind) {
	case "", FrameMain:
		return FrameSelector{Kind: FrameMain}, nil
	case FrameName:
		if arg == "" {
			return FrameSelector{}, fmt.Errorf("frame selector %q: name is empty", raw)
		}
		return FrameSelector{Kind: FrameName, Name: arg}, nil
	case FrameURLContains:
		if arg == "" {
			return FrameSelector{}, fmt.Errorf("frame selector %q: url substring is empty", raw)
		}
		return FrameSelector{Kind: FrameURLContains, Contains: arg}, nil
	case FrameIndex:
		n, err := strconv.Atoi(arg)
		if err != nil || n < 0 {
			return FrameSelector{}, fmt.Errorf("frame selector %q: index must be a non-negative integer", raw)
		}
		return FrameSelector{Kind: FrameIndex, Index: n}, nil
	}
	return FrameSelector{}, fmt.Errorf("unknown frame selector %q", raw)
}

func (p PageSelector) String() string {
	switch p.Kind {
	case PageIndex:
		return fmt.Sprintf("index:%d", p.Index)
	case PageURLContains:
		return "url:" + p.Contains
	case "":
		return string(PageLatest)
	}
	return string(p.Kind)
}

func (f FrameSelector) String() string {
	switch f.Kind {
	case FrameName:
		return "name:" + f.Name
	case FrameURLContains:
		return "url:" + f.Contains
	case FrameIndex:
		return fmt.Sprintf("index:%d", f.Index)
	case "":
		return string(FrameMain)
	}
	return string(f.Kind)
}

func (c ContextTarget) String() string {
	return "page=" + c.Page.String() + " frame=" + c.Frame.String()
}

// -- Predicates --

// PredicateKind is the observable condition an Assert step checks.
type PredicateKind string

const (
	PredicateVisible       PredicateKind = "visible"
	PredicateHidden        PredicateKind = "hidden"
	PredicateTextContains  PredicateKind = "text_contains"
	PredicateCountAtLeast  PredicateKind = "count_at_least"
	PredicateURLContains   PredicateKind = "url_contains"
	PredicateTitleContains PredicateKind = "title_contains"
)

// Predicate is an assertion over the current context. Ref is unused by the
// page-level kinds (url_contains, title_contains).
type Predicate struct {
	Kind  PredicateKind `json:"kind"`
	Ref   ElementRef    `json:"ref,omitempty"`
	Text  string        `json:"text,omitempty"`
	Count int           `json:"count,omitempty"`
}

// NeedsElement reports whether the predicate is evaluated against Ref.
func (p Predicate) NeedsElement() bool {
	switch p.Kind {
	case PredicateURLContains, PredicateTitleContains:
		return false
	}
	return true
}

func (p Predicate) String() string {
	switch p.Kind {
	case PredicateVisible, PredicateHidden:
		return fmt.Sprintf("%s(%s)", p.Kind, p.Ref)
	case PredicateTextContains:
		return fmt.Sprintf("%s(%s, %q)", p.Kind, p.Ref, p.Text)
	case PredicateCountAtLeast:
		return fmt.Sprintf("%s(%s, %d)", p.Kind, p.Ref, p.Count)
	}
	return fmt.Sprintf("%s(%q)", p.Kind, p.Text)
}

func (p Predicate) Validate() error {
	switch p.Kind {
	case PredicateVisible, PredicateHidden:
	case PredicateTextContains:
		if p.Text == "" {
			return fmt.Errorf("%s requires text", p.Kind)
		}
	case PredicateCountAtLeast:
		if p.Count < 1 {
			return fmt.Errorf("%s requires a count of at least 1", p.Kind)
		}
	case PredicateURLContains, PredicateTitleContains:
		if p.Text == "" {
			return fmt.Errorf("%s requires text", p.Kind)
		}
		return nil
	default:
		return fmt.Errorf("unknown predicate kind %q", p.Kind)
	}
	if p.Ref.IsZero() {
		return fmt.Errorf("%s requires an element reference", p.Kind)
	}
	if p.Ref.Nth < 0 {
		return fmt.Errorf("%s: nth must not be negative", p.Kind)
	}
	return nil
}

// -- Steps --

// StepKind enumerates the step variants.
type StepKind string

const (
	StepNavigate         StepKind = "navigate"
	StepClick            StepKind = "click"
	StepFill             StepKind = "fill"
	StepWaitForLoadState StepKind = "wait_for_load_state"
	StepSleep            StepKind = "sleep"
	StepAssert           StepKind = "assert"
)

// Step is one declarative UI intent. Only the fields relevant to Kind are read.
type Step struct {
	Kind        StepKind `json:"kind"`
	Description string   `json:"description,omitempty"`
	// Timeout overrides the default budget for this step's wait.
	Timeout time.Duration `json:"timeout,omitempty"`
	// Settle overrides the post-action delay for click and fill.
	Settle *time.Duration `json:"settle,omitempty"`
	// Optional steps report failures as skipped instead of failing the scenario.
	Optional bool           `json:"optional,omitempty"`
	Context  *ContextTarget `json:"context,omitempty"`

	URL       string        `json:"url,omitempty"`
	Ref       ElementRef    `json:"ref,omitempty"`
	Text      string        `json:"text,omitempty"`
	State     LoadState     `json:"state,omitempty"`
	AllFrames bool          `json:"allFrames,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	Predicate Predicate     `json:"predicate,omitempty"`
}

func Navigate(url string) Step { return Step{Kind: StepNavigate, URL: url} }

func Click(ref ElementRef) Step { return Step{Kind: StepClick, Ref: ref} }

func Fill(ref ElementRef, text string) Step { return Step{Kind: StepFill, Ref: ref, Text: text} }

func WaitForLoadState(state LoadState) Step {
	return Step{Kind: StepWaitForLoadState, State: state}
}

func Sleep(d time.Duration) Step { return Step{Kind: StepSleep, Duration: d} }

func Assert(p Predicate) Step { return Step{Kind: StepAssert, Predicate: p} }

// Label is the human-readable name of the step used in reports.
func (s Step) Label() string {
	if s.Description != "" {
		return s.Description
	}
	switch s.Kind {
	case StepNavigate:
		return "navigate " + s.URL
	case StepClick:
		return "click " + s.Ref.String()
	case StepFill:
		return fmt.Sprintf("fill %s with %q", s.Ref, s.Text)
	case StepWaitForLoadState:
		return "wait for " + s.State.String()
	case StepSleep:
		return "sleep " + s.Duration.String()
	case StepAssert:
		return "assert " + s.Predicate.String()
	}
	return string(s.Kind)
}

// Validate checks that the fields required by Kind are present.
func (s Step) Validate() error {
	if s.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	if s.Settle != nil && *s.Settle < 0 {
		return fmt.Errorf("settle must not be negative")
	}
	switch s.Kind {
	case StepNavigate:
		if strings.TrimSpace(s.URL) == "" {
			return fmt.Errorf("navigate requires a url")
		}
	case StepClick, StepFill:
		if s.Ref.IsZero() {
			return fmt.Errorf("%s requires an element reference", s.Kind)
		}
		if s.Ref.Nth < 0 {
			return fmt.Errorf("%s: nth must not be negative", s.Kind)
		}
	case StepWaitForLoadState:
		if s.State < LoadCommitted || s.State > LoadNetworkIdle {
			return fmt.Errorf("wait_for_load_state requires a state between committed and networkidle")
		}
	case StepSleep:
		if s.Duration <= 0 {
			return fmt.Errorf("sleep requires a positive duration")
		}
	case StepAssert:
		return s.Predicate.Validate()
	default:
		return fmt.Errorf("unknown step kind %q", s.Kind)
	}
	return nil
}

// -- Scenario --

// Scenario is an ordered list of steps run in one isolated session.
type Scenario struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	BaseURL     string   `json:"baseUrl,omitempty"`
	// Settle is the default delay after every click and fill.
	Settle time.Duration `json:"settle,omitempty"`
	// Timeout bounds the whole scenario. Zero defers to the runner default.
	Timeout time.Duration `json:"timeout,omitempty"`
	Steps   []Step        `json:"steps"`
	// Source is the file the scenario was loaded from, if any.
	Source string `json:"source,omitempty"`
}

// HasTag reports whether the scenario carries tag (case-insensitive).
func (s *Scenario) HasTag(tag string) bool {
	for _, t := range s.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// Validate checks the scenario and every step, naming the first bad step.
func (s *Scenario) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("scenario id is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("scenario %s has no steps", s.ID)
	}
	if s.Timeout < 0 || s.Settle < 0 {
		return fmt.Errorf("scenario %s: timeout and settle must not be negative", s.ID)
	}
	for i, step := range s.Steps {
		if err := step.Validate(); err != nil {
			return fmt.Errorf("scenario %s step %d: %w", s.ID, i, err)
		}
	}
	return nil
}
