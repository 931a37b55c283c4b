package reporting

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/uiprobe/api/schemas"
)

// ConsoleReporter prints one line per scenario plus the failing step, and a
// summary on Close.
type ConsoleReporter struct {
	mu     sync.Mutex
	w      io.WriteCloser
	logger *zap.Logger
	passed int
	failed int
}

func NewConsoleReporter(w io.WriteCloser, logger *zap.Logger) *ConsoleReporter {
	return &ConsoleReporter{w: w, logger: logger.Named("console_reporter")}
}

func (r *ConsoleReporter) Report(_ context.Context, o *schemas.ScenarioOutcome) error {
	var b strings.Builder
	verdict := "PASS"
	if !o.Passed() {
		verdict = "FAIL"
	}
	fmt.Fprintf(&b, "%s  %s  %s (%s)\n", verdict, o.ScenarioID, o.Name, formatMs(o.DurationMs))
	if !o.Passed() {
		if st := o.FailedStep(); st != nil {
			fmt.Fprintf(&b, "      step %d %q: %s\n", st.Index, st.Description, st.ErrorKind)
		} else {
			fmt.Fprintf(&b, "      %s\n", o.FailureKind)
		}
		if o.Diagnostic != "" {
			fmt.Fprintf(&b, "      %s\n", o.Diagnostic)
		}
	}
	if skipped := o.Count(schemas.StepSkipped); skipped > 0 {
		fmt.Fprintf(&b, "      %d step(s) skipped\n", skipped)
	}
	if o.TeardownError != "" {
		fmt.Fprintf(&b, "      teardown: %s\n", o.TeardownError)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if o.Passed() {
		r.passed++
	} else {
		r.failed++
	}
	fields := []zap.Field{
		zap.String("scenario_id", o.ScenarioID),
		zap.String("result", string(o.Result)),
		zap.Int64("duration_ms", o.DurationMs),
	}
	if !o.Passed() {
		fields = append(fields, zap.String("failure_kind", string(o.FailureKind)), zap.String("diagnostic", o.Diagnostic))
	}
	r.logger.Debug("Scenario reported.", fields...)

	if _, err := io.WriteString(r.w, b.String()); err != nil {
		return fmt.Errorf("failed to write console report: %w", err)
	}
	return nil
}

func (r *ConsoleReporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := r.passed + r.failed
	if total > 0 {
		fmt.Fprintf(r.w, "\n%d scenario(s): %d passed, %d failed\n", total, r.passed, r.failed)
	}
	return r.w.Close()
}

func formatMs(ms int64) string {
	return (time.Duration(ms) * time.Millisecond).String()
}
