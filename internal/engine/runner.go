package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/xkilldash9x/uiprobe/api/schemas"
	"github.com/xkilldash9x/uiprobe/internal/browser"
	"github.com/xkilldash9x/uiprobe/internal/config"
	"github.com/xkilldash9x/uiprobe/internal/observability"
)

// RunnerOptions configure a Runner.
type RunnerOptions struct {
	Step Options
	// ScenarioTimeout bounds a whole scenario when the scenario sets none.
	ScenarioTimeout time.Duration
	TeardownTimeout time.Duration
	// FollowNewPages enables the latest-page fallback for steps without an
	// explicit context.
	FollowNewPages bool
}

// OptionsFromConfig maps configuration onto runner options.
func OptionsFromConfig(cfg config.Interface) RunnerOptions {
	t, r := cfg.Timeouts(), cfg.Runner()
	return RunnerOptions{
		Step: Options{
			DefaultTimeout:    t.Default,
			NavigationTimeout: t.Navigation,
			DOMReadyTimeout:   t.DOMReady,
			LoadStateTimeout:  t.LoadState,
			AssertTimeout:     t.Assert,
			ActionTimeout:     t.Action,
			PollInterval:      t.PollInterval,
			Settle:            r.Settle,
			BaseURL:           r.BaseURL,
		},
		ScenarioTimeout: r.ScenarioTimeout,
		TeardownTimeout: t.Teardown,
		FollowNewPages:  r.FollowNewPages,
	}
}

// Runner executes scenarios, each in its own session. A Runner is safe for
// concurrent use; scenarios share nothing but the automation and metrics.
type Runner struct {
	automation browser.Automation
	opts       RunnerOptions
	metrics    *observability.Metrics
	logger     *zap.Logger
}

// NewRunner validates its dependencies. metrics may be nil.
func NewRunner(automation browser.Automation, opts RunnerOptions, metrics *observability.Metrics, logger *zap.Logger) (*Runner, error) {
	if automation == nil {
		return nil, errors.New("automation cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if opts.TeardownTimeout <= 0 {
		opts.TeardownTimeout = 10 * time.Second
	}
	return &Runner{
		automation: automation,
		opts:       opts,
		metrics:    metrics,
		logger:     logger.Named("runner"),
	}, nil
}

// Run executes sc and always returns an outcome. The session is closed
// exactly once on every path, including cancellation and panics.
func (r *Runner) Run(ctx context.Context, sc *schemas.Scenario) (out schemas.ScenarioOutcome) {
	start := time.Now()
	out = schemas.ScenarioOutcome{
		RunID:      uuid.NewString(),
		ScenarioID: sc.ID,
		Name:       sc.Name,
		Result:     schemas.ResultPass,
		StartedAt:  start,
		Steps:      make([]schemas.StepOutcome, 0, len(sc.Steps)),
	}
	logger := r.logger.With(zap.String("scenario_id", sc.ID), zap.String("run_id", out.RunID))

	if timeout := orDefault(sc.Timeout, r.opts.ScenarioTimeout); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ctx, span := observability.StartSpan(ctx, "scenario.run",
		attribute.String("scenario.id", sc.ID),
		attribute.Int("scenario.steps", len(sc.Steps)))

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("Scenario panicked.", zap.Any("panic", rec), zap.Stack("stack"))
			out.Fail(-1, schemas.ErrInternal, fmt.Sprintf("panic: %v", rec))
		}
		out.DurationMs = time.Since(start).Milliseconds()
		r.metrics.ObserveScenario(string(out.Result))
		span.SetAttributes(attribute.String("scenario.result", string(out.Result)))
		var spanErr error
		if !out.Passed() {
			spanErr = fmt.Errorf("%s: %s", out.FailureKind, out.Diagnostic)
		}
		observability.EndSpan(span, spanErr)
		logger.Info("Scenario finished.",
			zap.String("result", string(out.Result)),
			zap.String("failure_kind", string(out.FailureKind)),
			zap.Int64("duration_ms", out.DurationMs))
	}()

	if err := sc.Validate(); err != nil {
		out.Fail(-1, schemas.ErrInvalidStep, err.Error())
		return out
	}

	session, err := r.automation.NewSession(ctx)
	if err != nil {
		kind := schemas.ErrSessionSetup
		if ctx.Err() != nil {
			kind = schemas.ErrCancelled
		}
		logger.Error("Failed to create session.", zap.Error(err))
		out.Fail(-1, kind, fmt.Sprintf("session setup: %v", err))
		return out
	}
	out.SessionID = session.ID()
	logger = logger.With(zap.String("session_id", session.ID()))
	r.metrics.SessionOpened()
	defer r.teardown(ctx, session, &out, logger)

	page, err := session.NewPage(ctx)
	if err != nil {
		kind := schemas.ErrSessionSetup
		if ctx.Err() != nil {
			kind = schemas.ErrCancelled
		}
		logger.Error("Failed to open page.", zap.Error(err))
		out.Fail(-1, kind, fmt.Sprintf("page setup: %v", err))
		return out
	}

	opts := r.opts.Step
	if sc.BaseURL != "" {
		opts.BaseURL = sc.BaseURL
	}
	if sc.Settle > 0 {
		opts.Settle = sc.Settle
	}
	exec := NewExecutor(opts, r.metrics, logger)
	tracker := NewTracker(session, r.opts.FollowNewPages, logger)
	cur := tracker.Initial(page)

	logger.Info("Scenario started.", zap.Int("steps", len(sc.Steps)))
	for i, step := range sc.Steps {
		so, next := r.executeGuarded(ctx, exec, tracker, cur, i, step, logger)
		out.Steps = append(out.Steps, so)
		if so.Status == schemas.StepFailed {
			out.Fail(i, so.ErrorKind, so.Diagnostic)
			return out
		}
		cur = next
	}
	return out
}

// executeGuarded runs one step and converts a panic into an Internal failure.
func (r *Runner) executeGuarded(ctx context.Context, exec *Executor, tracker *Tracker, cur Context, i int, step schemas.Step, logger *zap.Logger) (so schemas.StepOutcome, next Context) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("Step panicked.", zap.Int("step", i), zap.Any("panic", rec), zap.Stack("stack"))
			so = schemas.StepOutcome{
				Index:       i,
				Kind:        step.Kind,
				Description: step.Label(),
				Status:      schemas.StepFailed,
				ErrorKind:   schemas.ErrInternal,
				StartedAt:   start,
				DurationMs:  time.Since(start).Milliseconds(),
				Diagnostic:  fmt.Sprintf("panic: %v", rec),
			}
			next = cur
		}
	}()
	return exec.Execute(ctx, tracker, cur, i, step)
}

// teardown closes the session under a context detached from ctx, so a
// cancelled or timed-out scenario still releases its browser context.
// Failures are recorded but never change the result.
func (r *Runner) teardown(ctx context.Context, session browser.Session, out *schemas.ScenarioOutcome, logger *zap.Logger) {
	tctx, cancel := context.WithTimeout(browser.Detach(ctx), r.opts.TeardownTimeout)
	defer cancel()
	defer r.metrics.SessionClosed()

	if err := session.Close(tctx); err != nil {
		out.TeardownError = fmt.Sprintf("%s: %v", schemas.ErrSessionTeardown, err)
		logger.Warn("Session teardown failed.", zap.String("error_kind", string(schemas.ErrSessionTeardown)), zap.Error(err))
		return
	}
	logger.Debug("Session closed.")
}
