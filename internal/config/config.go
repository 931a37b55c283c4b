// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Database() DatabaseConfig
	Browser() BrowserConfig
	Timeouts() TimeoutConfig
	Runner() RunnerConfig
	Report() ReportConfig
	Metrics() MetricsConfig
	Tracing() TracingConfig

	// Runner Setters
	SetRunnerConcurrency(int)
	SetRunnerBaseURL(string)
	SetRunnerScenarioTimeout(time.Duration)

	// Browser Setters
	SetBrowserHeadless(bool)

	// Report Setters
	SetReportFormat(string)
	SetReportOutput(string)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	DatabaseCfg DatabaseConfig `mapstructure:"database" yaml:"database"`
	BrowserCfg  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	TimeoutsCfg TimeoutConfig  `mapstructure:"timeouts" yaml:"timeouts"`
	RunnerCfg   RunnerConfig   `mapstructure:"runner" yaml:"runner"`
	ReportCfg   ReportConfig   `mapstructure:"report" yaml:"report"`
	MetricsCfg  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
	TracingCfg  TracingConfig  `mapstructure:"tracing" yaml:"tracing"`
}

func (c *Config) Logger() LoggerConfig     { return c.LoggerCfg }
func (c *Config) Database() DatabaseConfig { return c.DatabaseCfg }
func (c *Config) Browser() BrowserConfig   { return c.BrowserCfg }
func (c *Config) Timeouts() TimeoutConfig  { return c.TimeoutsCfg }
func (c *Config) Runner() RunnerConfig     { return c.RunnerCfg }
func (c *Config) Report() ReportConfig     { return c.ReportCfg }
func (c *Config) Metrics() MetricsConfig   { return c.MetricsCfg }
func (c *Config) Tracing() TracingConfig   { return c.TracingCfg }

// -- Setters used by CLI flag overrides --
func (c *Config) SetRunnerConcurrency(n int)  { c.RunnerCfg.Concurrency = n }
func (c *Config) SetRunnerBaseURL(u string)   { c.RunnerCfg.BaseURL = u }
func (c *Config) SetBrowserHeadless(b bool)   { c.BrowserCfg.Headless = b }
func (c *Config) SetReportFormat(f string)    { c.ReportCfg.Format = f }
func (c *Config) SetReportOutput(path string) { c.ReportCfg.Output = path }

func (c *Config) SetRunnerScenarioTimeout(d time.Duration) { c.RunnerCfg.ScenarioTimeout = d }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// DatabaseConfig holds the outcome store connection details. An empty URL
// disables persistence.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// BrowserConfig controls how the browser process is launched.
type BrowserConfig struct {
	Headless        bool           `mapstructure:"headless" yaml:"headless"`
	Viewport        ViewportConfig `mapstructure:"viewport" yaml:"viewport"`
	Args            []string       `mapstructure:"args" yaml:"args"`
	ExecPath        string         `mapstructure:"exec_path" yaml:"exec_path"`
	IgnoreTLSErrors bool           `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	// AttachTimeout bounds attaching to a page the application opened.
	AttachTimeout time.Duration `mapstructure:"attach_timeout" yaml:"attach_timeout"`
}

// ViewportConfig is the emulated window size for every page.
type ViewportConfig struct {
	Width  int `mapstructure:"width" yaml:"width"`
	Height int `mapstructure:"height" yaml:"height"`
}

// TimeoutConfig groups the per-operation budgets.
type TimeoutConfig struct {
	// Default bounds actionability waits when a step has no override.
	Default    time.Duration `mapstructure:"default" yaml:"default"`
	Navigation time.Duration `mapstructure:"navigation" yaml:"navigation"`
	// DOMReady bounds the opportunistic readiness wait after navigation.
	DOMReady     time.Duration `mapstructure:"dom_ready" yaml:"dom_ready"`
	LoadState    time.Duration `mapstructure:"load_state" yaml:"load_state"`
	Assert       time.Duration `mapstructure:"assert" yaml:"assert"`
	Action       time.Duration `mapstructure:"action" yaml:"action"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	Teardown     time.Duration `mapstructure:"teardown" yaml:"teardown"`
}

// RunnerConfig configures scenario execution.
type RunnerConfig struct {
	Concurrency     int           `mapstructure:"concurrency" yaml:"concurrency"`
	ScenarioTimeout time.Duration `mapstructure:"scenario_timeout" yaml:"scenario_timeout"`
	Settle          time.Duration `mapstructure:"settle" yaml:"settle"`
	FollowNewPages  bool          `mapstructure:"follow_new_pages" yaml:"follow_new_pages"`
	BaseURL         string        `mapstructure:"base_url" yaml:"base_url"`
}

// ReportConfig selects the outcome sink.
type ReportConfig struct {
	Format string `mapstructure:"format" yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
}

// MetricsConfig enables the prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// TracingConfig toggles span export to stdout.
type TracingConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "uiprobe")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.viewport.width", 1280)
	v.SetDefault("browser.viewport.height", 720)
	v.SetDefault("browser.args", []string{})
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.attach_timeout", "10s")

	// -- Timeouts --
	v.SetDefault("timeouts.default", "5s")
	v.SetDefault("timeouts.navigation", "10s")
	v.SetDefault("timeouts.dom_ready", "3s")
	v.SetDefault("timeouts.load_state", "3s")
	v.SetDefault("timeouts.assert", "3s")
	v.SetDefault("timeouts.action", "5s")
	v.SetDefault("timeouts.poll_interval", "200ms")
	v.SetDefault("timeouts.teardown", "10s")

	// -- Runner --
	v.SetDefault("runner.concurrency", 1)
	v.SetDefault("runner.scenario_timeout", "0s")
	v.SetDefault("runner.settle", "0s")
	v.SetDefault("runner.follow_new_pages", true)
	v.SetDefault("runner.base_url", "")

	// -- Report --
	v.SetDefault("report.format", "console")
	v.SetDefault("report.output", "")

	v.SetDefault("database.url", "")
	v.SetDefault("metrics.addr", "")
	v.SetDefault("tracing.enabled", false)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	v.SetEnvPrefix("UIPROBE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Connection strings usually come from the environment.
	_ = v.BindEnv("database.url", "UIPROBE_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.RunnerCfg.Concurrency <= 0 {
		return fmt.Errorf("runner.concurrency must be a positive integer")
	}
	if c.RunnerCfg.ScenarioTimeout < 0 || c.RunnerCfg.Settle < 0 {
		return fmt.Errorf("runner.scenario_timeout and runner.settle must not be negative")
	}
	if c.BrowserCfg.AttachTimeout < 0 {
		return fmt.Errorf("browser.attach_timeout must not be negative")
	}
	if c.BrowserCfg.Viewport.Width <= 0 || c.BrowserCfg.Viewport.Height <= 0 {
		return fmt.Errorf("browser.viewport dimensions must be positive")
	}
	if err := c.TimeoutsCfg.Validate(); err != nil {
		return fmt.Errorf("timeouts configuration invalid: %w", err)
	}
	switch c.ReportCfg.Format {
	case "console", "json", "junit":
	default:
		return fmt.Errorf("report.format must be one of console, json, junit (got %q)", c.ReportCfg.Format)
	}
	if c.ReportCfg.Format != "console" && c.ReportCfg.Output == "" {
		return fmt.Errorf("report.output is required for the %s format", c.ReportCfg.Format)
	}
	return nil
}

// Validate checks that every budget is usable.
func (t *TimeoutConfig) Validate() error {
	budgets := map[string]time.Duration{
		"default":       t.Default,
		"navigation":    t.Navigation,
		"dom_ready":     t.DOMReady,
		"load_state":    t.LoadState,
		"assert":        t.Assert,
		"action":        t.Action,
		"poll_interval": t.PollInterval,
		"teardown":      t.Teardown,
	}
	for name, d := range budgets {
		if d <= 0 {
			return fmt.Errorf("%s must be a positive duration", name)
		}
	}
	if t.PollInterval >= t.Default {
		return fmt.Errorf("poll_interval (%s) must be shorter than default (%s)", t.PollInterval, t.Default)
	}
	return nil
}
