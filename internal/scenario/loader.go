// Package scenario reads scenario definitions from YAML files.
package scenario

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/xkilldash9x/uiprobe/api/schemas"
)

// Loader reads scenario files and directories.
type Loader struct {
	logger *zap.Logger
}

// NewLoader creates a Loader.
func NewLoader(logger *zap.Logger) (*Loader, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	return &Loader{logger: logger.Named("scenario")}, nil
}

// LoadFile reads one scenario file. A leading ~ is expanded.
func (l *Loader) LoadFile(path string) (*schemas.Scenario, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("expanding %s: %w", path, err)
	}
	f, err := os.Open(expanded)
	if err != nil {
		return nil, fmt.Errorf("opening scenario: %w", err)
	}
	defer f.Close()

	sc, err := Parse(f, expanded)
	if err != nil {
		return nil, err
	}
	l.logger.Debug("Loaded scenario.", zap.String("id", sc.ID), zap.String("source", expanded), zap.Int("steps", len(sc.Steps)))
	return sc, nil
}

// LoadDir reads every *.yaml and *.yml file directly inside dir, in name
// order.
func (l *Loader) LoadDir(dir string) ([]*schemas.Scenario, error) {
	expanded, err := homedir.Expand(dir)
	if err != nil {
		return nil, fmt.Errorf("expanding %s: %w", dir, err)
	}
	entries, err := os.ReadDir(expanded)
	if err != nil {
		return nil, fmt.Errorf("reading scenario directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !isScenarioFile(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	out := make([]*schemas.Scenario, 0, len(names))
	for _, name := range names {
		sc, err := l.LoadFile(filepath.Join(expanded, name))
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, nil
}

// Load accepts any mix of files and directories. Scenario ids must be
// unique across everything loaded.
func (l *Loader) Load(paths ...string) ([]*schemas.Scenario, error) {
	if len(paths) == 0 {
		return nil, errors.New("no scenario paths given")
	}
	var all []*schemas.Scenario
	for _, p := range paths {
		expanded, err := homedir.Expand(p)
		if err != nil {
			return nil, fmt.Errorf("expanding %s: %w", p, err)
		}
		info, err := os.Stat(expanded)
		if err != nil {
			return nil, fmt.Errorf("reading scenario path: %w", err)
		}
		if info.IsDir() {
			scs, err := l.LoadDir(expanded)
			if err != nil {
				return nil, err
			}
			all = append(all, scs...)
			continue
		}
		sc, err := l.LoadFile(expanded)
		if err != nil {
			return nil, err
		}
		all = append(all, sc)
	}

	seen := make(map[string]string, len(all))
	for _, sc := range all {
		if prev, ok := seen[sc.ID]; ok {
			return nil, fmt.Errorf("duplicate scenario id %q in %s and %s", sc.ID, prev, sc.Source)
		}
		seen[sc.ID] = sc.Source
	}
	l.logger.Info("Scenarios loaded.", zap.Int("count", len(all)))
	return all, nil
}

func isScenarioFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// FilterTags keeps scenarios carrying at least one of tags. No tags keeps
// everything.
func FilterTags(scs []*schemas.Scenario, tags []string) []*schemas.Scenario {
	if len(tags) == 0 {
		return scs
	}
	var out []*schemas.Scenario
	for _, sc := range scs {
		for _, t := range tags {
			if sc.HasTag(t) {
				out = append(out, sc)
				break
			}
		}
	}
	return out
}

// OverrideBaseURL replaces the base URL of every scenario when base is set.
func OverrideBaseURL(scs []*schemas.Scenario, base string) {
	if base == "" {
		return
	}
	for _, sc := range scs {
		sc.BaseURL = base
	}
}
