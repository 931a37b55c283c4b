package reporting

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/uiprobe/api/schemas"
)

// OutcomeWriter persists outcomes; *store.Store satisfies it.
type OutcomeWriter interface {
	PersistOutcome(ctx context.Context, o *schemas.ScenarioOutcome) (string, error)
}

// StoreReporter saves every outcome through an OutcomeWriter.
type StoreReporter struct {
	store  OutcomeWriter
	logger *zap.Logger
}

func NewStoreReporter(store OutcomeWriter, logger *zap.Logger) *StoreReporter {
	return &StoreReporter{store: store, logger: logger.Named("store_reporter")}
}

func (r *StoreReporter) Report(ctx context.Context, o *schemas.ScenarioOutcome) error {
	id, err := r.store.PersistOutcome(ctx, o)
	if err != nil {
		return fmt.Errorf("failed to persist outcome %s: %w", o.ScenarioID, err)
	}
	r.logger.Debug("Outcome stored.", zap.String("scenario_id", o.ScenarioID), zap.String("row_id", id))
	return nil
}

func (r *StoreReporter) Close() error { return nil }

// Multi fans each outcome out to several reporters, one outcome at a time.
type Multi struct {
	mu        sync.Mutex
	reporters []Reporter
}

func NewMulti(reporters ...Reporter) *Multi {
	return &Multi{reporters: reporters}
}

// Report delivers to every reporter even when one fails.
func (m *Multi) Report(ctx context.Context, o *schemas.ScenarioOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for _, r := range m.reporters {
		if err := r.Report(ctx, o); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Multi) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for _, r := range m.reporters {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
