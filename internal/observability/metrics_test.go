package observability

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ObserveStep("click", "succeeded", 120*time.Millisecond)
	m.ObserveStep("click", "succeeded", 80*time.Millisecond)
	m.ObserveStep("fill", "failed", time.Second)
	m.ObserveScenario("pass")
	m.LoadStateTimeout()
	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.stepsTotal.WithLabelValues("click", "succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stepsTotal.WithLabelValues("fill", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.scenariosTotal.WithLabelValues("pass")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.loadStateTimeouts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsOpen))

	count, err := testutil.GatherAndCount(reg, "uiprobe_step_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, count, "one histogram series per step kind")
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveStep("click", "failed", time.Second)
		m.ObserveScenario("fail")
		m.LoadStateTimeout()
		m.SessionOpened()
		m.SessionClosed()
	})
}

func TestTracerProvider(t *testing.T) {
	var buf bytes.Buffer
	tp, err := NewTracerProvider("uiprobe-test", "dev", &buf)
	require.NoError(t, err)

	_, span := StartSpan(context.Background(), "step.click")
	EndSpan(span, errors.New("element not found"))

	require.NoError(t, tp.Shutdown(context.Background()))
	assert.Contains(t, buf.String(), "step.click")
	assert.Contains(t, buf.String(), "element not found")
}
