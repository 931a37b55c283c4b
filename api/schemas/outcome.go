package schemas

import (
	"time"
)

// -- Outcome Schemas --

// StepStatus is the final status of a single step.
type StepStatus string

const (
	StepSucceeded StepStatus = "succeeded"
	// StepSkipped marks a step whose failure was absorbed: an optional step,
	// or a readiness wait that expired.
	StepSkipped StepStatus = "skipped"
	StepFailed  StepStatus = "failed"
)

// Result is the verdict for a whole scenario.
type Result string

const (
	ResultPass Result = "pass"
	ResultFail Result = "fail"
)

// ErrorKind classifies why a step did not succeed.
type ErrorKind string

const (
	// ErrActionableTimeout: the element matched but never became actionable.
	ErrActionableTimeout ErrorKind = "ActionableTimeout"
	// ErrElementNotFound: the path matched nothing (or too few nodes) in time.
	ErrElementNotFound ErrorKind = "ElementNotFound"
	// ErrContextStale: the target page or frame was closed or detached.
	ErrContextStale ErrorKind = "ContextStale"
	// ErrLoadStateTimeout: a frame never reached the requested readiness.
	ErrLoadStateTimeout ErrorKind = "LoadStateTimeout"
	// ErrAssertionMismatch: the observed state diverged from the expected one.
	ErrAssertionMismatch ErrorKind = "AssertionMismatch"
	// ErrSessionTeardown: the session could not be cleaned up.
	ErrSessionTeardown ErrorKind = "SessionTeardownError"

	ErrNavigationFailed ErrorKind = "NavigationFailed"
	ErrActionFailed     ErrorKind = "ActionFailed"
	ErrSessionSetup     ErrorKind = "SessionSetupFailed"
	ErrCancelled        ErrorKind = "Cancelled"
	ErrInvalidStep      ErrorKind = "InvalidStep"
	ErrInternal         ErrorKind = "Internal"
)

// Fatal reports whether a step failing with this kind stops the scenario.
func (k ErrorKind) Fatal() bool {
	switch k {
	case "", ErrLoadStateTimeout, ErrSessionTeardown:
		return false
	}
	return true
}

// StepOutcome records what happened to one step.
type StepOutcome struct {
	Index       int        `json:"index"`
	Kind        StepKind   `json:"kind"`
	Description string     `json:"description"`
	Status      StepStatus `json:"status"`
	ErrorKind   ErrorKind  `json:"errorKind,omitempty"`
	// Matched is the number of nodes the step's selector matched, if any.
	Matched    int       `json:"matched,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	DurationMs int64     `json:"durationMs"`
	Diagnostic string    `json:"diagnostic,omitempty"`
}

// ScenarioOutcome is the record handed to reporters once per scenario.
type ScenarioOutcome struct {
	RunID           string        `json:"runId"`
	ScenarioID      string        `json:"scenarioId"`
	Name            string        `json:"name"`
	SessionID       string        `json:"sessionId,omitempty"`
	Result          Result        `json:"result"`
	FailedStepIndex *int          `json:"failedStepIndex,omitempty"`
	FailureKind     ErrorKind     `json:"failureKind,omitempty"`
	Diagnostic      string        `json:"diagnostic,omitempty"`
	StartedAt       time.Time     `json:"startedAt"`
	DurationMs      int64         `json:"durationMs"`
	Steps           []StepOutcome `json:"steps"`
	// TeardownError is informational; it never changes Result.
	TeardownError string `json:"teardownError,omitempty"`
}

// Passed reports whether the scenario passed.
func (o *ScenarioOutcome) Passed() bool {
	return o.Result == ResultPass
}

// FailedStep returns the outcome of the failing step, or nil.
func (o *ScenarioOutcome) FailedStep() *StepOutcome {
	if o.FailedStepIndex == nil {
		return nil
	}
	for i := range o.Steps {
		if o.Steps[i].Index == *o.FailedStepIndex {
			return &o.Steps[i]
		}
	}
	return nil
}

// Fail marks the outcome failed at step index (-1 when no step ran).
func (o *ScenarioOutcome) Fail(index int, kind ErrorKind, diagnostic string) {
	o.Result = ResultFail
	o.FailureKind = kind
	o.Diagnostic = diagnostic
	if index >= 0 {
		o.FailedStepIndex = &index
	} else {
		o.FailedStepIndex = nil
	}
}

// Count returns how many steps ended with status.
func (o *ScenarioOutcome) Count(status StepStatus) int {
	n := 0
	for _, s := range o.Steps {
		if s.Status == status {
			n++
		}
	}
	return n
}
