package reporting

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/uiprobe/api/schemas"
)

// JSONLReporter writes one JSON object per line and flushes after each
// record, so a partially written report is still valid line by line.
type JSONLReporter struct {
	mu     sync.Mutex
	w      io.WriteCloser
	buf    *bufio.Writer
	logger *zap.Logger
}

func NewJSONLReporter(w io.WriteCloser, logger *zap.Logger) *JSONLReporter {
	return &JSONLReporter{w: w, buf: bufio.NewWriter(w), logger: logger.Named("jsonl_reporter")}
}

func (r *JSONLReporter) Report(_ context.Context, o *schemas.ScenarioOutcome) error {
	line, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to encode outcome %s: %w", o.ScenarioID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.buf.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write outcome: %w", err)
	}
	if err := r.buf.Flush(); err != nil {
		return fmt.Errorf("failed to flush outcome: %w", err)
	}
	return nil
}

func (r *JSONLReporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	flushErr := r.buf.Flush()
	closeErr := r.w.Close()
	if flushErr != nil {
		r.logger.Error("Failed to flush JSON report", zap.Error(flushErr))
		return fmt.Errorf("failed to flush output: %w", flushErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close output writer: %w", closeErr)
	}
	return nil
}
