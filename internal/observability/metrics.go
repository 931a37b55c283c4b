package observability

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const metricsNamespace = "uiprobe"

// Metrics is the set of collectors recorded while scenarios run. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	stepsTotal        *prometheus.CounterVec
	stepDuration      *prometheus.HistogramVec
	scenariosTotal    *prometheus.CounterVec
	loadStateTimeouts prometheus.Counter
	sessionsOpen      prometheus.Gauge
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		stepsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "steps_total",
			Help:      "Executed steps by kind and final status.",
		}, []string{"kind", "status"}),
		stepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "step_duration_seconds",
			Help:      "Wall time spent per step, including waits and settle delays.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"kind"}),
		scenariosTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "scenarios_total",
			Help:      "Completed scenarios by result.",
		}, []string{"result"}),
		loadStateTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "load_state_timeouts_total",
			Help:      "Readiness waits that expired and were ignored.",
		}),
		sessionsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_open",
			Help:      "Browser sessions currently open.",
		}),
	}
}

func (m *Metrics) ObserveStep(kind, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.stepsTotal.WithLabelValues(kind, status).Inc()
	m.stepDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) ObserveScenario(result string) {
	if m == nil {
		return
	}
	m.scenariosTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) LoadStateTimeout() {
	if m == nil {
		return
	}
	m.loadStateTimeouts.Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsOpen.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessionsOpen.Dec()
}

// ServeMetrics exposes reg on addr at /metrics until ctx is done.
func ServeMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Serving metrics.", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
