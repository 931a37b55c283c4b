package reporting

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/beevik/etree"
	"go.uber.org/zap"

	"github.com/xkilldash9x/uiprobe/api/schemas"
)

// JUnitReporter collects outcomes and writes a JUnit XML document on Close,
// one testcase per scenario.
type JUnitReporter struct {
	mu       sync.Mutex
	w        io.WriteCloser
	logger   *zap.Logger
	version  string
	outcomes []*schemas.ScenarioOutcome
}

func NewJUnitReporter(w io.WriteCloser, logger *zap.Logger, version string) *JUnitReporter {
	return &JUnitReporter{w: w, logger: logger.Named("junit_reporter"), version: version}
}

func (r *JUnitReporter) Report(_ context.Context, o *schemas.ScenarioOutcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
	return nil
}

func (r *JUnitReporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc := r.document()
	doc.Indent(2)
	_, writeErr := doc.WriteTo(r.w)
	closeErr := r.w.Close()
	if writeErr != nil {
		r.logger.Error("Failed to write JUnit report", zap.Error(writeErr))
		return fmt.Errorf("failed to write JUnit output: %w", writeErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close output writer: %w", closeErr)
	}
	r.logger.Info("Wrote JUnit report.", zap.Int("testcases", len(r.outcomes)))
	return nil
}

func (r *JUnitReporter) document() *etree.Document {
	outcomes := append([]*schemas.ScenarioOutcome(nil), r.outcomes...)
	sort.SliceStable(outcomes, func(i, j int) bool { return outcomes[i].ScenarioID < outcomes[j].ScenarioID })

	var (
		failures int
		totalMs  int64
		started  time.Time
	)
	for _, o := range outcomes {
		if !o.Passed() {
			failures++
		}
		totalMs += o.DurationMs
		if started.IsZero() || (!o.StartedAt.IsZero() && o.StartedAt.Before(started)) {
			started = o.StartedAt
		}
	}

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	suites := doc.CreateElement("testsuites")
	suite := suites.CreateElement("testsuite")
	suite.CreateAttr("name", "uiprobe")
	suite.CreateAttr("tests", strconv.Itoa(len(outcomes)))
	suite.CreateAttr("failures", strconv.Itoa(failures))
	suite.CreateAttr("errors", "0")
	suite.CreateAttr("time", seconds(totalMs))
	if !started.IsZero() {
		suite.CreateAttr("timestamp", started.UTC().Format(time.RFC3339))
	}
	props := suite.CreateElement("properties")
	prop := props.CreateElement("property")
	prop.CreateAttr("name", "version")
	prop.CreateAttr("value", r.version)

	for _, o := range outcomes {
		tc := suite.CreateElement("testcase")
		tc.CreateAttr("name", o.Name)
		tc.CreateAttr("classname", o.ScenarioID)
		tc.CreateAttr("time", seconds(o.DurationMs))
		if !o.Passed() {
			failure := tc.CreateElement("failure")
			failure.CreateAttr("type", string(o.FailureKind))
			failure.CreateAttr("message", o.Diagnostic)
			if st := o.FailedStep(); st != nil {
				failure.SetText(fmt.Sprintf("step %d (%s): %s", st.Index, st.Description, st.Diagnostic))
			}
		}
		tc.CreateElement("system-out").SetText(stepLog(o))
	}
	return doc
}

func stepLog(o *schemas.ScenarioOutcome) string {
	var b strings.Builder
	for _, st := range o.Steps {
		fmt.Fprintf(&b, "[%d] %-9s %s (%dms)", st.Index, st.Status, st.Description, st.DurationMs)
		if st.ErrorKind != "" {
			fmt.Fprintf(&b, " %s: %s", st.ErrorKind, st.Diagnostic)
		}
		b.WriteByte('\n')
	}
	if o.TeardownError != "" {
		fmt.Fprintf(&b, "teardown: %s\n", o.TeardownError)
	}
	return b.String()
}

func seconds(ms int64) string {
	return strconv.FormatFloat(float64(ms)/1000, 'f', 3, 64)
}
