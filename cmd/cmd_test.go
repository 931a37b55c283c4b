// File: cmd/cmd_test.go
package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/uiprobe/api/schemas"
	"github.com/xkilldash9x/uiprobe/internal/browser"
	"github.com/xkilldash9x/uiprobe/internal/browser/browsertest"
	"github.com/xkilldash9x/uiprobe/internal/config"
	"github.com/xkilldash9x/uiprobe/internal/store"
)

// -- Mock Implementations for Testing --

type mockStore struct {
	mock.Mock
}

func (m *mockStore) EnsureSchema(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockStore) PersistOutcome(ctx context.Context, o *schemas.ScenarioOutcome) (string, error) {
	args := m.Called(ctx, o)
	return args.String(0), args.Error(1)
}

func (m *mockStore) History(ctx context.Context, scenarioID string, limit int) ([]store.RunSummary, error) {
	args := m.Called(ctx, scenarioID, limit)
	runs, _ := args.Get(0).([]store.RunSummary)
	return runs, args.Error(1)
}

type mockStoreProvider struct {
	store    *mockStore
	err      error
	cleanups int
}

func (p *mockStoreProvider) Create(context.Context, config.Interface) (outcomeStore, func(), error) {
	if p.err != nil {
		return nil, nil, p.err
	}
	return p.store, func() { p.cleanups++ }, nil
}

// -- Fixtures --

const testConfig = `
logger:
  level: error
timeouts:
  default: 300ms
  navigation: 300ms
  dom_ready: 50ms
  load_state: 50ms
  assert: 100ms
  action: 200ms
  poll_interval: 10ms
  teardown: 1s
`

const passingScenario = `
id: HOME
name: Home page title
tags: [smoke]
base_url: http://estate.test
steps:
  - navigate: /
  - assert:
      title_contains: Estate
`

const failingScenario = `
id: ABOUT
name: About page title
tags: [regression]
base_url: http://estate.test
steps:
  - navigate: /about
  - assert:
      title_contains: About us
`

func estateSite(p *browsertest.Page, url string) {
	p.SetTitle("Estate Finder")
}

type fixture struct {
	dir        string
	config     string
	scenarios  string
	automation *browsertest.Automation
	stores     *mockStoreProvider
}

func setupTest(t *testing.T) *fixture {
	t.Helper()
	cfgFile = ""
	t.Cleanup(func() { cfgFile = "" })

	dir := t.TempDir()
	f := &fixture{
		dir:        dir,
		config:     filepath.Join(dir, "config.yaml"),
		scenarios:  filepath.Join(dir, "scenarios"),
		automation: browsertest.NewAutomation(estateSite),
		stores:     &mockStoreProvider{store: &mockStore{}},
	}
	require.NoError(t, os.WriteFile(f.config, []byte(testConfig), 0o644))
	require.NoError(t, os.MkdirAll(f.scenarios, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(f.scenarios, "home.yaml"), []byte(passingScenario), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(f.scenarios, "about.yaml"), []byte(failingScenario), 0o644))
	return f
}

func (f *fixture) execute(args ...string) (string, error) {
	return f.executeContext(context.Background(), args...)
}

func (f *fixture) executeContext(ctx context.Context, args ...string) (string, error) {
	provider := func(config.BrowserConfig, *zap.Logger) (browser.Automation, error) {
		return f.automation, nil
	}
	root := NewRootCmd(provider, f.stores)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", f.config}, args...))
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func readOutcomes(t *testing.T, path string) map[string]schemas.ScenarioOutcome {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := map[string]schemas.ScenarioOutcome{}
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		var o schemas.ScenarioOutcome
		require.NoError(t, json.Unmarshal([]byte(line), &o))
		out[o.ScenarioID] = o
	}
	return out
}

// -- Tests --

func TestVersion(t *testing.T) {
	f := setupTest(t)

	out, err := f.execute("version")
	require.NoError(t, err)
	assert.Equal(t, Version+"\n", out)

	out, err = f.execute("--version")
	require.NoError(t, err)
	assert.Equal(t, Version+"\n", out)
}

func TestValidate(t *testing.T) {
	f := setupTest(t)

	out, err := f.execute("validate", f.scenarios)
	require.NoError(t, err)
	assert.Contains(t, out, "ok  HOME  Home page title (2 steps)")
	assert.Contains(t, out, "ok  ABOUT  About page title (2 steps)")
	assert.Contains(t, out, "2 scenario(s) valid")
	assert.Zero(t, f.automation.SessionsOpened(), "validate never starts a browser")
}

func TestValidate_ShippedScenarios(t *testing.T) {
	f := setupTest(t)
	out, err := f.execute("validate", filepath.Join("..", "scenarios"))
	require.NoError(t, err)
	assert.Contains(t, out, "TC012")
}

func TestValidate_InvalidFile(t *testing.T) {
	f := setupTest(t)
	bad := filepath.Join(f.dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("id: X\nsteps:\n  - hover: /a\n"), 0o644))

	_, err := f.execute("validate", bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown step key")
}

func TestRun_ReportsEveryScenario(t *testing.T) {
	f := setupTest(t)
	report := filepath.Join(f.dir, "out", "report.jsonl")

	_, err := f.execute("run", "-f", "json", "-o", report, "-j", "2", f.scenarios)
	require.ErrorIs(t, err, errScenariosFailed)

	outcomes := readOutcomes(t, report)
	require.Len(t, outcomes, 2)
	home := outcomes["HOME"]
	assert.True(t, home.Passed())
	about := outcomes["ABOUT"]
	assert.False(t, about.Passed())
	assert.Equal(t, schemas.ErrAssertionMismatch, about.FailureKind)
	require.NotNil(t, about.FailedStepIndex)
	assert.Equal(t, 1, *about.FailedStepIndex)

	assert.Equal(t, 2, f.automation.SessionsOpened())
	assert.Equal(t, 2, f.automation.SessionsClosed())
}

func TestRun_TagFilterAndBaseURL(t *testing.T) {
	f := setupTest(t)
	report := filepath.Join(f.dir, "report.jsonl")

	_, err := f.execute("run", "--tag", "smoke", "--base-url", "http://staging.estate.test",
		"-f", "json", "-o", report, f.scenarios)
	require.NoError(t, err)

	outcomes := readOutcomes(t, report)
	require.Len(t, outcomes, 1)
	home := outcomes["HOME"]
	assert.True(t, home.Passed())

	sessions := f.automation.Sessions()
	require.Len(t, sessions, 1)
	pages := sessions[0].AllPages()
	require.NotEmpty(t, pages)
	assert.Equal(t, []string{"http://staging.estate.test/"}, pages[0].Navigations())
}

func TestRun_NoMatchingTags(t *testing.T) {
	f := setupTest(t)
	_, err := f.execute("run", "--tag", "nightly", f.scenarios)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no scenarios match tags")
}

func TestRun_InvalidFormat(t *testing.T) {
	f := setupTest(t)
	_, err := f.execute("run", "-f", "sarif", "-o", filepath.Join(f.dir, "x"), f.scenarios)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "report.format must be one of")
}

func TestRun_PersistsToStore(t *testing.T) {
	f := setupTest(t)
	t.Setenv("UIPROBE_DATABASE_URL", "postgres://uiprobe@localhost/uiprobe")

	f.stores.store.On("EnsureSchema", mock.Anything).Return(nil).Once()
	f.stores.store.On("PersistOutcome", mock.Anything, mock.Anything).Return("row", nil).Twice()

	_, err := f.execute("run", "-f", "json", "-o", filepath.Join(f.dir, "r.jsonl"), f.scenarios)
	require.ErrorIs(t, err, errScenariosFailed)

	f.stores.store.AssertExpectations(t)
	assert.Equal(t, 1, f.stores.cleanups)
}

func TestRun_InterruptStillPersistsOutcomes(t *testing.T) {
	f := setupTest(t)
	t.Setenv("UIPROBE_DATABASE_URL", "postgres://uiprobe@localhost/uiprobe")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// The interrupt arrives while the first scenario is loading its page.
	f.automation = browsertest.NewAutomation(func(p *browsertest.Page, url string) {
		cancel()
		estateSite(p, url)
	})

	var (
		mu      sync.Mutex
		ctxErrs []error
	)
	f.stores.store.On("EnsureSchema", mock.Anything).Return(nil).Once()
	f.stores.store.On("PersistOutcome", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		mu.Lock()
		defer mu.Unlock()
		ctxErrs = append(ctxErrs, args.Get(0).(context.Context).Err())
	}).Return("row", nil).Twice()

	_, err := f.executeContext(ctx, "run", "-f", "json", "-o", filepath.Join(f.dir, "r.jsonl"), f.scenarios)
	require.ErrorIs(t, err, context.Canceled, "an interrupt maps to its own exit status")

	f.stores.store.AssertExpectations(t)
	assert.Equal(t, []error{nil, nil}, ctxErrs, "outcomes are written under a live context")

	outcomes := readOutcomes(t, filepath.Join(f.dir, "r.jsonl"))
	require.Len(t, outcomes, 2)
	for _, o := range outcomes {
		assert.Equal(t, schemas.ErrCancelled, o.FailureKind)
	}
}

func TestRun_TimeoutFlag(t *testing.T) {
	f := setupTest(t)
	slow := filepath.Join(f.dir, "slow")
	require.NoError(t, os.MkdirAll(slow, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(slow, "slow.yaml"), []byte(`
id: SLOW
base_url: http://estate.test
steps:
  - navigate: /
  - sleep: 5s
`), 0o644))
	report := filepath.Join(f.dir, "slow.jsonl")

	start := time.Now()
	_, err := f.execute("run", "--timeout", "100ms", "-f", "json", "-o", report, slow)
	require.ErrorIs(t, err, errScenariosFailed)
	assert.Less(t, time.Since(start), 3*time.Second)

	out := readOutcomes(t, report)["SLOW"]
	assert.Equal(t, schemas.ErrCancelled, out.FailureKind)
	assert.Equal(t, "scenario deadline exceeded", out.Diagnostic)
}

func TestRun_StoreUnavailable(t *testing.T) {
	f := setupTest(t)
	t.Setenv("UIPROBE_DATABASE_URL", "postgres://uiprobe@localhost/uiprobe")
	f.stores.err = errors.New("failed to connect to database: connection refused")

	_, err := f.execute("run", f.scenarios)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Zero(t, f.automation.SessionsOpened())
}

func TestRun_BrowserLaunchFailure(t *testing.T) {
	f := setupTest(t)
	root := NewRootCmd(func(config.BrowserConfig, *zap.Logger) (browser.Automation, error) {
		return nil, errors.New("chrome not found")
	}, f.stores)
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"--config", f.config, "run", f.scenarios})

	err := root.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to initialize browser: chrome not found")
}

func TestHistory(t *testing.T) {
	f := setupTest(t)
	step := 3
	started := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	f.stores.store.On("History", mock.Anything, "TC002", 5).Return([]store.RunSummary{
		{RunID: "run-b", Result: schemas.ResultFail, FailedStepIndex: &step, FailureKind: schemas.ErrActionableTimeout,
			StartedAt: started.Add(time.Hour), DurationMs: 5200},
		{RunID: "run-a", Result: schemas.ResultPass, StartedAt: started, DurationMs: 4100},
	}, nil).Once()

	out, err := f.execute("history", "TC002", "-n", "5")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "STARTED"))
	assert.Contains(t, lines[1], "2026-03-14T10:00:00Z")
	assert.Contains(t, lines[1], "ActionableTimeout")
	assert.Contains(t, lines[1], "5.2s")
	assert.Contains(t, lines[2], "pass")
	assert.Equal(t, 1, f.stores.cleanups)
}

func TestHistory_Empty(t *testing.T) {
	f := setupTest(t)
	f.stores.store.On("History", mock.Anything, "TC404", 20).Return(nil, nil).Once()

	out, err := f.execute("history", "TC404")
	require.NoError(t, err)
	assert.Equal(t, "No stored runs for TC404.\n", out)
}

func TestConfigFileMissing(t *testing.T) {
	f := setupTest(t)
	f.config = filepath.Join(f.dir, "missing.yaml")

	_, err := f.execute("validate", f.scenarios)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to initialize configuration")
}

func TestGetConfigFromContext(t *testing.T) {
	_, err := getConfigFromContext(context.Background())
	assert.EqualError(t, err, "configuration not found in context")

	cfg := config.NewDefaultConfig()
	got, err := getConfigFromContext(context.WithValue(context.Background(), configKey, cfg))
	require.NoError(t, err)
	assert.Same(t, cfg, got)
}
