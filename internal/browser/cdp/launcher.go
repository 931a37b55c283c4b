// Package cdp implements the browser capability on top of the Chrome DevTools
// Protocol using chromedp.
package cdp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/uiprobe/internal/browser"
	"github.com/xkilldash9x/uiprobe/internal/config"
)

// Launcher owns one Chrome process and hands out isolated sessions. The
// process starts on the first NewSession call.
type Launcher struct {
	cfg    config.BrowserConfig
	logger *zap.Logger

	mu            sync.Mutex
	allocCtx      context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	closed        bool
}

var _ browser.Automation = (*Launcher)(nil)

// NewLauncher validates its dependencies. No process is started yet.
func NewLauncher(cfg config.BrowserConfig, logger *zap.Logger) (*Launcher, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	return &Launcher{cfg: cfg, logger: logger.Named("cdp")}, nil
}

// allocatorOptions builds the Chrome command line from configuration.
func allocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	if !cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	opts = append(opts,
		// Container-friendly defaults.
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-popup-blocking", true),
		chromedp.Flag("ignore-certificate-errors", cfg.IgnoreTLSErrors),
	)
	if cfg.Viewport.Width > 0 && cfg.Viewport.Height > 0 {
		opts = append(opts, chromedp.WindowSize(cfg.Viewport.Width, cfg.Viewport.Height))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	for _, arg := range cfg.Args {
		name, value := splitFlag(arg)
		opts = append(opts, chromedp.Flag(name, value))
	}
	return opts
}

// splitFlag turns "--name=value" or "--name" into a chromedp flag pair.
func splitFlag(arg string) (string, interface{}) {
	name, value, ok := strings.Cut(strings.TrimLeft(arg, "-"), "=")
	if !ok {
		return name, true
	}
	return name, value
}

// start launches Chrome once and returns the browser-level context.
func (l *Launcher) start() (context.Context, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, errors.New("launcher is closed")
	}
	if l.browserCtx != nil {
		return l.browserCtx, nil
	}

	// The process outlives any single caller, so it hangs off Background.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(l.cfg)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(l.logger.Sugar().Debugf),
		chromedp.WithErrorf(l.logger.Sugar().Debugf),
	)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	l.allocCtx, l.allocCancel = allocCtx, allocCancel
	l.browserCtx, l.browserCancel = browserCtx, browserCancel
	l.logger.Info("Browser launched.",
		zap.Bool("headless", l.cfg.Headless),
		zap.Int("viewport_width", l.cfg.Viewport.Width),
		zap.Int("viewport_height", l.cfg.Viewport.Height))
	return browserCtx, nil
}

// NewSession creates a fresh browser context (its own cookies and storage)
// with one blank page.
func (l *Launcher) NewSession(ctx context.Context) (browser.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	browserCtx, err := l.start()
	if err != nil {
		return nil, err
	}
	return newSession(ctx, browserCtx, l.cfg, l.logger)
}

// Close shuts the browser down. Sessions still open are torn down with it.
func (l *Launcher) Close(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.browserCtx == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- chromedp.Cancel(l.browserCtx) }()
	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = fmt.Errorf("closing browser: %w", ctx.Err())
	}
	l.browserCancel()
	l.allocCancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		l.logger.Warn("Browser did not shut down cleanly.", zap.Error(err))
		return err
	}
	l.logger.Info("Browser closed.")
	return nil
}
