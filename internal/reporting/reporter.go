// Package reporting turns scenario outcomes into human and machine readable
// reports.
package reporting

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/xkilldash9x/uiprobe/api/schemas"
)

// Reporter receives one outcome per finished scenario. Implementations are
// safe for concurrent use; records are never interleaved.
type Reporter interface {
	Report(ctx context.Context, outcome *schemas.ScenarioOutcome) error
	// Close flushes the report and releases its output.
	Close() error
}

// nopWriteCloser wraps an io.Writer and provides a no-op Close method.
type nopWriteCloser struct {
	io.Writer
}

func (nwc *nopWriteCloser) Close() error {
	return nil
}

// New creates a reporter for format writing to output. An empty output or
// "stdout" writes to standard output. Formats: console, json, junit.
func New(format, output string, logger *zap.Logger, version string) (Reporter, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	format = strings.ToLower(strings.TrimSpace(format))
	switch format {
	case "console", "json", "junit":
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}

	writer, err := openOutput(output)
	if err != nil {
		return nil, err
	}

	switch format {
	case "json":
		return NewJSONLReporter(writer, logger), nil
	case "junit":
		return NewJUnitReporter(writer, logger, version), nil
	}
	return NewConsoleReporter(writer, logger), nil
}

func openOutput(output string) (io.WriteCloser, error) {
	if output == "" || output == "stdout" {
		return &nopWriteCloser{os.Stdout}, nil
	}
	path, err := homedir.Expand(output)
	if err != nil {
		return nil, fmt.Errorf("failed to expand output path %s: %w", output, err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create output directory %s: %w", dir, err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file %s: %w", path, err)
	}
	return f, nil
}
