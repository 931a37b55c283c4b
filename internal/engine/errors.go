package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/xkilldash9x/uiprobe/api/schemas"
	"github.com/xkilldash9x/uiprobe/internal/browser"
)

// errWaitExpired is returned by Controller.Poll when the budget runs out
// before the check reports done.
var errWaitExpired = errors.New("wait expired")

// StepError is the classified failure of a step. Expected and Observed feed
// the short diagnostic in reports; Err keeps the underlying cause for logs.
type StepError struct {
	Kind     schemas.ErrorKind
	Op       string
	Target   string
	Expected string
	Observed string
	Err      error
}

func (e *StepError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Target != "" {
		b.WriteString(" ")
		b.WriteString(e.Target)
	}
	b.WriteString(": ")
	b.WriteString(string(e.Kind))
	if d := e.Diagnostic(); d != "" {
		b.WriteString(": ")
		b.WriteString(d)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *StepError) Unwrap() error { return e.Err }

// Diagnostic is the one-line expected-vs-observed summary.
func (e *StepError) Diagnostic() string {
	switch {
	case e.Expected != "" && e.Observed != "":
		return fmt.Sprintf("expected %s, observed %s", e.Expected, e.Observed)
	case e.Expected != "":
		return "expected " + e.Expected
	case e.Observed != "":
		return e.Observed
	}
	return ""
}

// KindOf classifies any error returned by the engine.
func KindOf(err error) schemas.ErrorKind {
	if err == nil {
		return ""
	}
	var se *StepError
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return schemas.ErrCancelled
	}
	if browser.IsGone(err) {
		return schemas.ErrContextStale
	}
	return schemas.ErrInternal
}

// DiagnosticOf returns the report-friendly summary of err.
func DiagnosticOf(err error) string {
	var se *StepError
	if errors.As(err, &se) {
		if d := se.Diagnostic(); d != "" {
			return d
		}
		if se.Err != nil {
			return se.Err.Error()
		}
		return string(se.Kind)
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

func stepErr(kind schemas.ErrorKind, op, target string, cause error) *StepError {
	return &StepError{Kind: kind, Op: op, Target: target, Err: cause}
}

// cancelled classifies a parent-context failure. A deadline on ctx is the
// scenario timeout; anything else is an external cancellation.
func cancelled(ctx context.Context, op, target string) *StepError {
	se := stepErr(schemas.ErrCancelled, op, target, context.Cause(ctx))
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		se.Observed = "scenario deadline exceeded"
	} else {
		se.Observed = "run cancelled"
	}
	return se
}

// classify maps a browser-level error to a StepError. fallback is used when
// the error says nothing more specific.
func classify(ctx context.Context, err error, fallback schemas.ErrorKind, op, target string) error {
	var se *StepError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &se):
		return se
	case ctx.Err() != nil:
		return cancelled(ctx, op, target)
	case errors.Is(err, browser.ErrTargetClosed):
		e := stepErr(schemas.ErrContextStale, op, target, err)
		e.Observed = "page closed"
		return e
	case errors.Is(err, browser.ErrFrameDetached):
		e := stepErr(schemas.ErrContextStale, op, target, err)
		e.Observed = "frame detached"
		return e
	case errors.Is(err, browser.ErrInvalidSelector):
		return stepErr(schemas.ErrInvalidStep, op, target, err)
	}
	return stepErr(fallback, op, target, err)
}
