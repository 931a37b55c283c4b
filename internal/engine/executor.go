package engine

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/xkilldash9x/uiprobe/api/schemas"
	"github.com/xkilldash9x/uiprobe/internal/browser"
	"github.com/xkilldash9x/uiprobe/internal/observability"
)

// Options are the budgets and defaults applied to every step.
type Options struct {
	// DefaultTimeout bounds actionability waits.
	DefaultTimeout time.Duration
	// NavigationTimeout bounds the wait for a navigation to commit.
	NavigationTimeout time.Duration
	// DOMReadyTimeout is the shared budget for the best-effort readiness wait
	// across all frames after a navigation.
	DOMReadyTimeout  time.Duration
	LoadStateTimeout time.Duration
	AssertTimeout    time.Duration
	// ActionTimeout bounds the single click or fill attempt.
	ActionTimeout time.Duration
	PollInterval  time.Duration
	// Settle is the delay after each click and fill unless the step overrides it.
	Settle  time.Duration
	BaseURL string
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		DefaultTimeout:    5 * time.Second,
		NavigationTimeout: 10 * time.Second,
		DOMReadyTimeout:   3 * time.Second,
		LoadStateTimeout:  3 * time.Second,
		AssertTimeout:     3 * time.Second,
		ActionTimeout:     5 * time.Second,
		PollInterval:      200 * time.Millisecond,
	}
}

// Executor runs one step at a time against a Context.
type Executor struct {
	opts     Options
	resolver Resolver
	waiter   *Controller
	metrics  *observability.Metrics
	logger   *zap.Logger
}

// NewExecutor builds an executor. metrics may be nil.
func NewExecutor(opts Options, metrics *observability.Metrics, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		opts:    opts,
		waiter:  NewController(opts.PollInterval, logger),
		metrics: metrics,
		logger:  logger.Named("executor"),
	}
}

// stepResult carries what a step handler observed besides its error.
type stepResult struct {
	next    Context
	matched int
	note    string
}

// Execute runs step and returns its outcome together with the context the
// next step should start from.
func (e *Executor) Execute(ctx context.Context, tracker *Tracker, cur Context, index int, step schemas.Step) (schemas.StepOutcome, Context) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "step."+string(step.Kind),
		attribute.Int("step.index", index),
		attribute.String("step.label", step.Label()))

	logger := e.logger.With(zap.Int("step", index), zap.String("kind", string(step.Kind)))
	outcome := schemas.StepOutcome{
		Index:       index,
		Kind:        step.Kind,
		Description: step.Label(),
		StartedAt:   start,
	}

	res, err := e.dispatch(ctx, tracker, cur, step)
	outcome.Matched = res.matched
	outcome.DurationMs = time.Since(start).Milliseconds()

	kind := KindOf(err)
	switch {
	case err == nil:
		outcome.Status = schemas.StepSucceeded
		outcome.Diagnostic = res.note
		logger.Debug("Step succeeded.", zap.String("label", outcome.Description), zap.Int64("duration_ms", outcome.DurationMs))
	case !kind.Fatal():
		outcome.Status = schemas.StepSkipped
		outcome.ErrorKind = kind
		outcome.Diagnostic = DiagnosticOf(err)
		if kind == schemas.ErrLoadStateTimeout {
			e.metrics.LoadStateTimeout()
		}
		logger.Warn("Readiness not reached; continuing anyway.", zap.Error(err))
	case step.Optional && kind != schemas.ErrCancelled:
		outcome.Status = schemas.StepSkipped
		outcome.ErrorKind = kind
		outcome.Diagnostic = DiagnosticOf(err)
		logger.Warn("Optional step failed; skipping.", zap.Error(err))
	default:
		outcome.Status = schemas.StepFailed
		outcome.ErrorKind = kind
		outcome.Diagnostic = DiagnosticOf(err)
		logger.Info("Step failed.", zap.String("error_kind", string(kind)), zap.Error(err))
	}

	e.metrics.ObserveStep(string(step.Kind), string(outcome.Status), time.Since(start))
	span.SetAttributes(attribute.String("step.status", string(outcome.Status)))
	if outcome.Status == schemas.StepFailed {
		observability.EndSpan(span, err)
	} else {
		observability.EndSpan(span, nil)
	}

	if err != nil && res.next.Page == nil {
		return outcome, cur
	}
	return outcome, res.next
}

func (e *Executor) dispatch(ctx context.Context, tracker *Tracker, cur Context, step schemas.Step) (stepResult, error) {
	if err := ctx.Err(); err != nil {
		return stepResult{next: cur}, cancelled(ctx, string(step.Kind), "")
	}
	if err := step.Validate(); err != nil {
		return stepResult{next: cur}, stepErr(schemas.ErrInvalidStep, string(step.Kind), "", err)
	}
	next, err := tracker.Select(ctx, cur, step.Context)
	if err != nil {
		return stepResult{next: cur}, err
	}

	switch step.Kind {
	case schemas.StepNavigate:
		return e.navigate(ctx, next, step)
	case schemas.StepClick:
		return e.interact(ctx, next, step, Need{}, func(actx context.Context, el browser.Element) (string, error) {
			return "", el.Click(actx)
		})
	case schemas.StepFill:
		return e.interact(ctx, next, step, Need{Editable: true}, func(actx context.Context, el browser.Element) (string, error) {
			if err := el.Fill(actx, step.Text); err != nil {
				return "", err
			}
			// Masked inputs may legitimately differ, but an empty field means
			// the text never landed.
			v, err := el.Value(actx)
			switch {
			case err != nil || v == step.Text:
				return "", nil
			case v == "" && step.Text != "":
				e := stepErr(schemas.ErrActionFailed, "fill", step.Ref.String(), nil)
				e.Expected = fmt.Sprintf("field holding %q", step.Text)
				e.Observed = "field is empty"
				return "", e
			}
			return fmt.Sprintf("field now holds %q", v), nil
		})
	case schemas.StepWaitForLoadState:
		return e.waitForLoadState(ctx, next, step)
	case schemas.StepSleep:
		if !sleepCtx(ctx, step.Duration) {
			return stepResult{next: next}, cancelled(ctx, "sleep", step.Duration.String())
		}
		return stepResult{next: next}, nil
	case schemas.StepAssert:
		return e.assert(ctx, next, step)
	}
	return stepResult{next: next}, stepErr(schemas.ErrInvalidStep, string(step.Kind), "", errors.New("unsupported step kind"))
}

// navigate returns once the navigation commits, then waits opportunistically
// for every frame to reach domcontentloaded within one shared budget.
func (e *Executor) navigate(ctx context.Context, cur Context, step schemas.Step) (stepResult, error) {
	target, err := ResolveURL(e.opts.BaseURL, step.URL)
	if err != nil {
		return stepResult{next: cur}, stepErr(schemas.ErrInvalidStep, "navigate", step.URL, err)
	}
	next := Context{Page: cur.Page, Frame: cur.Page.MainFrame(), Pinned: cur.Pinned}

	timeout := orDefault(step.Timeout, e.opts.NavigationTimeout)
	navCtx, cancel := context.WithTimeout(ctx, timeout)
	err = cur.Page.Navigate(navCtx, target)
	cancel()
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return stepResult{next: next}, cancelled(ctx, "navigate", target)
		case errors.Is(err, context.DeadlineExceeded):
			se := stepErr(schemas.ErrNavigationFailed, "navigate", target, err)
			se.Expected = fmt.Sprintf("commit within %s", timeout)
			se.Observed = "no commit"
			return stepResult{next: next}, se
		}
		return stepResult{next: next}, classify(ctx, err, schemas.ErrNavigationFailed, "navigate", target)
	}
	// The main frame may have been swapped by the navigation.
	next.Frame = cur.Page.MainFrame()

	deadline := time.Now().Add(e.opts.DOMReadyTimeout)
	var pending []string
	for _, f := range cur.Page.Frames() {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			if !f.LoadState().Reached(schemas.LoadDOMContentLoaded) {
				pending = append(pending, frameLabel(f))
			}
			continue
		}
		err := e.waiter.AwaitLoadState(ctx, f, schemas.LoadDOMContentLoaded, remaining)
		switch KindOf(err) {
		case "":
		case schemas.ErrCancelled:
			return stepResult{next: next}, err
		default:
			// Detached or slow frames do not fail a navigation.
			pending = append(pending, frameLabel(f))
			e.metrics.LoadStateTimeout()
			e.logger.Debug("Frame not ready after navigation; continuing anyway.", zap.String("url", target), zap.Error(err))
		}
	}

	res := stepResult{next: next}
	if len(pending) > 0 {
		res.note = "committed; not yet domcontentloaded: " + strings.Join(pending, ", ")
	}
	return res, nil
}

// interact waits for actionability, performs act exactly once, then settles.
func (e *Executor) interact(ctx context.Context, cur Context, step schemas.Step, need Need, act func(context.Context, browser.Element) (string, error)) (stepResult, error) {
	op := string(step.Kind)
	target := step.Ref.String()
	timeout := orDefault(step.Timeout, e.opts.DefaultTimeout)

	res, err := e.waiter.AwaitActionable(ctx, cur.Frame, step.Ref, timeout, need)
	if err != nil {
		return stepResult{next: cur, matched: res.Matches}, err
	}

	actx, cancel := context.WithTimeout(ctx, e.opts.ActionTimeout)
	note, err := act(actx, res.Element)
	cancel()
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			se := stepErr(schemas.ErrActionFailed, op, target, err)
			se.Expected = fmt.Sprintf("%s to complete within %s", op, e.opts.ActionTimeout)
			return stepResult{next: cur, matched: res.Matches}, se
		}
		return stepResult{next: cur, matched: res.Matches}, classify(ctx, err, schemas.ErrActionFailed, op, target)
	}

	settle := e.opts.Settle
	if step.Settle != nil {
		settle = *step.Settle
	}
	// The action already happened; a cancellation during settle surfaces on
	// the next step.
	sleepCtx(ctx, settle)

	return stepResult{next: cur, matched: res.Matches, note: note}, nil
}

func (e *Executor) waitForLoadState(ctx context.Context, cur Context, step schemas.Step) (stepResult, error) {
	timeout := orDefault(step.Timeout, e.opts.LoadStateTimeout)
	frames := []browser.Frame{cur.Frame}
	if step.AllFrames {
		frames = cur.Page.Frames()
	}

	deadline := time.Now().Add(timeout)
	var firstErr error
	for _, f := range frames {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			remaining = e.opts.PollInterval
		}
		err := e.waiter.AwaitLoadState(ctx, f, step.State, remaining)
		if err == nil {
			continue
		}
		if k := KindOf(err); k == schemas.ErrCancelled || (k == schemas.ErrContextStale && f == cur.Frame) {
			return stepResult{next: cur}, err
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		// Every remaining failure is a readiness miss; report it as one.
		if KindOf(firstErr) != schemas.ErrLoadStateTimeout {
			se := stepErr(schemas.ErrLoadStateTimeout, "wait", "frames", firstErr)
			se.Observed = DiagnosticOf(firstErr)
			firstErr = se
		}
		return stepResult{next: cur}, firstErr
	}
	return stepResult{next: cur}, nil
}

// predicateView is one evaluation of a predicate.
type predicateView struct {
	ok       bool
	observed string
	matched  int
}

func (e *Executor) assert(ctx context.Context, cur Context, step schemas.Step) (stepResult, error) {
	p := step.Predicate
	timeout := orDefault(step.Timeout, e.opts.AssertTimeout)
	target := p.String()
	var last predicateView

	if p.Kind == schemas.PredicateHidden {
		// Absence must hold for the whole window; one sighting fails at once.
		err := e.waiter.Poll(ctx, timeout, func(pctx context.Context) (bool, error) {
			view, err := e.evaluate(pctx, cur, p)
			if err != nil {
				return false, err
			}
			last = view
			if !view.ok {
				se := stepErr(schemas.ErrAssertionMismatch, "assert", target, nil)
				se.Expected = fmt.Sprintf("absent for %s", timeout)
				se.Observed = view.observed
				return false, se
			}
			return false, nil
		})
		if errors.Is(err, errWaitExpired) {
			return stepResult{next: cur, matched: last.matched}, nil
		}
		if err != nil && ctx.Err() != nil {
			return stepResult{next: cur, matched: last.matched}, cancelled(ctx, "assert", target)
		}
		return stepResult{next: cur, matched: last.matched}, classify(ctx, err, schemas.ErrAssertionMismatch, "assert", target)
	}

	err := e.waiter.Poll(ctx, timeout, func(pctx context.Context) (bool, error) {
		view, err := e.evaluate(pctx, cur, p)
		if err != nil {
			return false, err
		}
		last = view
		return view.ok, nil
	})
	switch {
	case err == nil:
		return stepResult{next: cur, matched: last.matched}, nil
	case errors.Is(err, errWaitExpired):
		se := stepErr(schemas.ErrAssertionMismatch, "assert", target, nil)
		se.Expected = expectation(p)
		se.Observed = last.observed
		return stepResult{next: cur, matched: last.matched}, se
	case ctx.Err() != nil:
		return stepResult{next: cur, matched: last.matched}, cancelled(ctx, "assert", target)
	}
	return stepResult{next: cur, matched: last.matched}, classify(ctx, err, schemas.ErrAssertionMismatch, "assert", target)
}

// evaluate checks p once. Missing elements are observations, not errors;
// a stale context or cancellation is returned as an error.
func (e *Executor) evaluate(ctx context.Context, cur Context, p schemas.Predicate) (predicateView, error) {
	switch p.Kind {
	case schemas.PredicateURLContains:
		u, err := cur.Page.URL(ctx)
		if err != nil {
			return predicateView{}, classify(ctx, err, schemas.ErrAssertionMismatch, "assert", p.String())
		}
		return predicateView{ok: strings.Contains(u, p.Text), observed: fmt.Sprintf("url %q", u)}, nil
	case schemas.PredicateTitleContains:
		title, err := cur.Page.Title(ctx)
		if err != nil {
			return predicateView{}, classify(ctx, err, schemas.ErrAssertionMismatch, "assert", p.String())
		}
		return predicateView{ok: strings.Contains(title, p.Text), observed: fmt.Sprintf("title %q", title)}, nil
	case schemas.PredicateCountAtLeast:
		n, err := e.resolver.Count(ctx, cur.Frame, p.Ref.Selector)
		if err != nil {
			return predicateView{}, err
		}
		return predicateView{ok: n >= p.Count, observed: fmt.Sprintf("%d match(es)", n), matched: n}, nil
	}

	res, err := e.resolver.Resolve(ctx, cur.Frame, p.Ref)
	if err != nil {
		if KindOf(err) != schemas.ErrElementNotFound {
			return predicateView{}, err
		}
		view := predicateView{observed: "no matching element", matched: res.Matches}
		// Nothing to see counts as hidden.
		view.ok = p.Kind == schemas.PredicateHidden
		return view, nil
	}

	switch p.Kind {
	case schemas.PredicateVisible, schemas.PredicateHidden:
		st, err := res.Element.State(ctx)
		if err != nil {
			if errors.Is(err, browser.ErrNoSuchElement) {
				return predicateView{ok: p.Kind == schemas.PredicateHidden, observed: "element removed", matched: res.Matches}, nil
			}
			return predicateView{}, classify(ctx, err, schemas.ErrAssertionMismatch, "assert", p.String())
		}
		shown := st.Attached && st.Visible
		observed := "element hidden"
		if shown {
			observed = "element visible"
		}
		return predicateView{ok: shown == (p.Kind == schemas.PredicateVisible), observed: observed, matched: res.Matches}, nil
	case schemas.PredicateTextContains:
		text, err := res.Element.Text(ctx)
		if err != nil {
			return predicateView{}, classify(ctx, err, schemas.ErrAssertionMismatch, "assert", p.String())
		}
		got := normalizeSpace(text)
		return predicateView{
			ok:       strings.Contains(got, normalizeSpace(p.Text)),
			observed: fmt.Sprintf("text %q", truncate(got, 80)),
			matched:  res.Matches,
		}, nil
	}
	return predicateView{}, stepErr(schemas.ErrInvalidStep, "assert", p.String(), errors.New("unsupported predicate"))
}

func expectation(p schemas.Predicate) string {
	switch p.Kind {
	case schemas.PredicateVisible:
		return "element visible"
	case schemas.PredicateTextContains:
		return fmt.Sprintf("text containing %q", p.Text)
	case schemas.PredicateCountAtLeast:
		return fmt.Sprintf("at least %d match(es)", p.Count)
	case schemas.PredicateURLContains:
		return fmt.Sprintf("url containing %q", p.Text)
	case schemas.PredicateTitleContains:
		return fmt.Sprintf("title containing %q", p.Text)
	}
	return string(p.Kind)
}

// ResolveURL joins ref onto base. Absolute refs are returned unchanged.
func ResolveURL(base, ref string) (string, error) {
	r, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", ref, err)
	}
	if r.IsAbs() {
		return r.String(), nil
	}
	if base == "" {
		return "", fmt.Errorf("relative url %q needs a base url", ref)
	}
	b, err := url.Parse(base)
	if err != nil || !b.IsAbs() {
		return "", fmt.Errorf("invalid base url %q", base)
	}
	return b.ResolveReference(r).String(), nil
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
