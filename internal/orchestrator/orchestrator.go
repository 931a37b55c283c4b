// Package orchestrator runs a batch of scenarios concurrently, each in its own
// browser session, and streams every outcome to a reporter.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/uiprobe/api/schemas"
	"github.com/xkilldash9x/uiprobe/internal/browser"
	"github.com/xkilldash9x/uiprobe/internal/observability"
	"github.com/xkilldash9x/uiprobe/internal/reporting"
)

// ScenarioRunner executes one scenario and always returns an outcome.
// *engine.Runner satisfies it.
type ScenarioRunner interface {
	Run(ctx context.Context, sc *schemas.Scenario) schemas.ScenarioOutcome
}

// Summary tallies a batch. Cancelled scenarios are not counted as failed.
type Summary struct {
	Total     int
	Passed    int
	Failed    int
	Cancelled int
	// Outcomes are in input order.
	Outcomes []schemas.ScenarioOutcome
}

// OK reports whether every scenario passed.
func (s Summary) OK() bool {
	return s.Failed == 0 && s.Cancelled == 0
}

// DefaultReportTimeout bounds each Report call.
const DefaultReportTimeout = 10 * time.Second

// Orchestrator manages the lifecycle of a batch run.
type Orchestrator struct {
	runner        ScenarioRunner
	reporter      reporting.Reporter
	concurrency   int
	reportTimeout time.Duration
	logger        *zap.Logger
}

// New creates an Orchestrator. A concurrency below one runs scenarios one at
// a time.
func New(runner ScenarioRunner, reporter reporting.Reporter, concurrency int, logger *zap.Logger) (*Orchestrator, error) {
	if runner == nil || reporter == nil || logger == nil {
		return nil, fmt.Errorf("cannot initialize orchestrator with nil dependencies")
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Orchestrator{
		runner:        runner,
		reporter:      reporter,
		concurrency:   concurrency,
		reportTimeout: DefaultReportTimeout,
		logger:        logger.Named("orchestrator"),
	}, nil
}

// Run executes scenarios with at most the configured number in flight. Each
// outcome is reported as soon as it is known, under a context that survives
// cancellation of ctx but is bounded by the report timeout. Scenarios that have not started
// when ctx is cancelled are reported as Cancelled without opening a session.
// The returned error only covers reporting failures; scenario failures are in
// the Summary.
func (o *Orchestrator) Run(ctx context.Context, scenarios []*schemas.Scenario) (Summary, error) {
	ctx, span := observability.StartSpan(ctx, "orchestrator.run",
		attribute.Int("scenarios", len(scenarios)),
		attribute.Int("concurrency", o.concurrency))

	o.logger.Info("Starting scenario batch.", zap.Int("scenarios", len(scenarios)), zap.Int("concurrency", o.concurrency))
	start := time.Now()

	var (
		mu         sync.Mutex
		summary    = Summary{Total: len(scenarios), Outcomes: make([]schemas.ScenarioOutcome, len(scenarios))}
		reportErrs []error
	)
	record := func(i int, out schemas.ScenarioOutcome) {
		mu.Lock()
		defer mu.Unlock()
		summary.Outcomes[i] = out
		switch {
		case out.Passed():
			summary.Passed++
		case out.FailureKind == schemas.ErrCancelled:
			summary.Cancelled++
		default:
			summary.Failed++
		}
		// Outcomes of cancelled scenarios must still reach the sinks.
		rctx, cancel := context.WithTimeout(browser.Detach(ctx), o.reportTimeout)
		defer cancel()
		if err := o.reporter.Report(rctx, &summary.Outcomes[i]); err != nil {
			o.logger.Error("Failed to report outcome.", zap.String("scenario_id", out.ScenarioID), zap.Error(err))
			reportErrs = append(reportErrs, err)
		}
	}

	var g errgroup.Group
	g.SetLimit(o.concurrency)
	for i, sc := range scenarios {
		i, sc := i, sc
		if ctx.Err() != nil {
			record(i, notStarted(sc, ctx.Err()))
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				record(i, notStarted(sc, err))
				return nil
			}
			record(i, o.runner.Run(ctx, sc))
			return nil
		})
	}
	_ = g.Wait()

	o.logger.Info("Scenario batch finished.",
		zap.Int("passed", summary.Passed),
		zap.Int("failed", summary.Failed),
		zap.Int("cancelled", summary.Cancelled),
		zap.Duration("elapsed", time.Since(start)))

	var err error
	if len(reportErrs) > 0 {
		err = fmt.Errorf("failed to report %d outcome(s): %w", len(reportErrs), errors.Join(reportErrs...))
	}
	span.SetAttributes(
		attribute.Int("passed", summary.Passed),
		attribute.Int("failed", summary.Failed),
		attribute.Int("cancelled", summary.Cancelled))
	observability.EndSpan(span, err)
	return summary, err
}

func notStarted(sc *schemas.Scenario, cause error) schemas.ScenarioOutcome {
	out := schemas.ScenarioOutcome{
		RunID:      uuid.NewString(),
		ScenarioID: sc.ID,
		Name:       sc.Name,
		StartedAt:  time.Now(),
		Steps:      []schemas.StepOutcome{},
	}
	out.Fail(-1, schemas.ErrCancelled, fmt.Sprintf("not started: %v", cause))
	return out
}
