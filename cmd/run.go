package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/uiprobe/internal/browser"
	"github.com/xkilldash9x/uiprobe/internal/browser/cdp"
	"github.com/xkilldash9x/uiprobe/internal/config"
	"github.com/xkilldash9x/uiprobe/internal/engine"
	"github.com/xkilldash9x/uiprobe/internal/observability"
	"github.com/xkilldash9x/uiprobe/internal/orchestrator"
	"github.com/xkilldash9x/uiprobe/internal/reporting"
	"github.com/xkilldash9x/uiprobe/internal/scenario"
)

// errScenariosFailed signals a completed run in which some scenario did not
// pass. It maps to a non-zero exit status without an extra error log.
var errScenariosFailed = errors.New("one or more scenarios did not pass")

// automationProvider creates the browser backend for a run.
type automationProvider func(cfg config.BrowserConfig, logger *zap.Logger) (browser.Automation, error)

func newChromeAutomation(cfg config.BrowserConfig, logger *zap.Logger) (browser.Automation, error) {
	return cdp.NewLauncher(cfg, logger)
}

type runFlags struct {
	baseURL     string
	concurrency int
	format      string
	output      string
	headless    bool
	timeout     time.Duration
	tags        []string
}

// newRunCmd creates and configures the `run` command.
func newRunCmd(automation automationProvider, stores storeProvider) *cobra.Command {
	var flags runFlags

	runCmd := &cobra.Command{
		Use:   "run [paths...]",
		Short: "Runs scenario files or directories against the target application",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}

			// Flags override the config file only when given explicitly.
			f := cmd.Flags()
			if f.Changed("base-url") {
				cfg.SetRunnerBaseURL(flags.baseURL)
			}
			if f.Changed("concurrency") {
				cfg.SetRunnerConcurrency(flags.concurrency)
			}
			if f.Changed("format") {
				cfg.SetReportFormat(flags.format)
			}
			if f.Changed("output") {
				cfg.SetReportOutput(flags.output)
			}
			if f.Changed("headless") {
				cfg.SetBrowserHeadless(flags.headless)
			}
			if f.Changed("timeout") {
				cfg.SetRunnerScenarioTimeout(flags.timeout)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			return runScenarios(ctx, cfg, args, flags.tags, automation, stores, cmd.ErrOrStderr(), observability.GetLogger())
		},
	}

	runCmd.Flags().StringVar(&flags.baseURL, "base-url", "", "Base URL that relative navigations resolve against")
	runCmd.Flags().IntVarP(&flags.concurrency, "concurrency", "j", 1, "Number of scenarios to run in parallel")
	runCmd.Flags().StringVarP(&flags.format, "format", "f", "console", "Report format: console, json or junit")
	runCmd.Flags().StringVarP(&flags.output, "output", "o", "", "Report output path (default stdout)")
	runCmd.Flags().BoolVar(&flags.headless, "headless", true, "Run the browser without a window")
	runCmd.Flags().DurationVar(&flags.timeout, "timeout", 0, "Overall timeout per scenario (0 disables)")
	runCmd.Flags().StringSliceVar(&flags.tags, "tag", nil, "Only run scenarios carrying one of these tags")
	return runCmd
}

// runScenarios wires the engine for one batch and runs it to completion.
func runScenarios(
	ctx context.Context,
	cfg *config.Config,
	paths, tags []string,
	automation automationProvider,
	stores storeProvider,
	traceOut io.Writer,
	logger *zap.Logger,
) error {
	loader, err := scenario.NewLoader(logger)
	if err != nil {
		return err
	}
	scenarios, err := loader.Load(paths...)
	if err != nil {
		return fmt.Errorf("failed to load scenarios: %w", err)
	}
	scenarios = scenario.FilterTags(scenarios, tags)
	if len(scenarios) == 0 {
		return fmt.Errorf("no scenarios match tags %v", tags)
	}
	scenario.OverrideBaseURL(scenarios, cfg.Runner().BaseURL)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	if addr := cfg.Metrics().Addr; addr != "" {
		go func() {
			if err := observability.ServeMetrics(runCtx, addr, reg, logger); err != nil {
				logger.Error("Metrics endpoint failed.", zap.Error(err))
			}
		}()
	}

	if cfg.Tracing().Enabled {
		tp, err := observability.NewTracerProvider("uiprobe", Version, traceOut)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				logger.Warn("Failed to flush spans.", zap.Error(err))
			}
		}()
	}

	reporter, cleanup, err := buildReporter(ctx, cfg, stores, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	auto, err := automation(cfg.Browser(), logger)
	if err != nil {
		_ = reporter.Close()
		return fmt.Errorf("failed to initialize browser: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts().Teardown)
		defer cancel()
		if err := auto.Close(closeCtx); err != nil {
			logger.Warn("Error during browser shutdown", zap.Error(err))
		}
	}()

	runner, err := engine.NewRunner(auto, engine.OptionsFromConfig(cfg), metrics, logger)
	if err != nil {
		_ = reporter.Close()
		return err
	}
	orch, err := orchestrator.New(runner, reporter, cfg.Runner().Concurrency, logger)
	if err != nil {
		_ = reporter.Close()
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	summary, runErr := orch.Run(runCtx, scenarios)
	if err := reporter.Close(); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("failed to close reporter: %w", err))
	}
	logger.Info("Run complete.",
		zap.Int("total", summary.Total),
		zap.Int("passed", summary.Passed),
		zap.Int("failed", summary.Failed),
		zap.Int("cancelled", summary.Cancelled))

	// An interrupt decides the exit status even when reporting also failed.
	if err := ctx.Err(); err != nil {
		if runErr != nil {
			logger.Error("Reporting failed during an interrupted run.", zap.Error(runErr))
		}
		return err
	}
	if runErr != nil {
		return runErr
	}
	if !summary.OK() {
		return errScenariosFailed
	}
	return nil
}

// buildReporter creates the configured reporter, adding the store reporter
// when a database is configured. cleanup releases the database pool.
func buildReporter(ctx context.Context, cfg config.Interface, stores storeProvider, logger *zap.Logger) (reporting.Reporter, func(), error) {
	reporter, err := reporting.New(cfg.Report().Format, cfg.Report().Output, logger, Version)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize reporter: %w", err)
	}
	if cfg.Database().URL == "" {
		return reporter, func() {}, nil
	}

	st, cleanup, err := stores.Create(ctx, cfg)
	if err != nil {
		_ = reporter.Close()
		return nil, nil, err
	}
	if err := st.EnsureSchema(ctx); err != nil {
		cleanup()
		_ = reporter.Close()
		return nil, nil, err
	}
	return reporting.NewMulti(reporter, reporting.NewStoreReporter(st, logger)), cleanup, nil
}
