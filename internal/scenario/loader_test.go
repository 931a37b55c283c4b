package scenario

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mitchellh/go-homedir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/uiprobe/api/schemas"
)

func newTestLoader(t *testing.T) *Loader {
	t.Helper()
	l, err := NewLoader(zaptest.NewLogger(t))
	require.NoError(t, err)
	return l
}

func writeScenario(t *testing.T, dir, name, id string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	body := "id: " + id + "\ntags: [smoke]\nsteps:\n  - navigate: /\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestNewLoader_Validation(t *testing.T) {
	_, err := NewLoader(nil)
	assert.EqualError(t, err, "logger cannot be nil")
}

func TestLoader_LoadDir(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "b.yml", "second")
	writeScenario(t, dir, "a.yaml", "first")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.yaml"), 0o755))

	scs, err := newTestLoader(t).LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, scs, 2)
	assert.Equal(t, "first", scs[0].ID)
	assert.Equal(t, "second", scs[1].ID)
	assert.Equal(t, filepath.Join(dir, "a.yaml"), scs[0].Source)
}

func TestLoader_LoadDir_StopsAtBadFile(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "a.yaml", "first")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"), []byte("id: broken\nsteps:\n  - hover: .x\n"), 0o644))

	_, err := newTestLoader(t).LoadDir(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "b.yaml")
	assert.Contains(t, err.Error(), `unknown step key "hover"`)
}

func TestLoader_Load(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "suite")
	require.NoError(t, os.Mkdir(sub, 0o755))
	writeScenario(t, sub, "one.yaml", "one")
	single := writeScenario(t, dir, "two.yaml", "two")
	l := newTestLoader(t)

	t.Run("FilesAndDirectories", func(t *testing.T) {
		scs, err := l.Load(sub, single)
		require.NoError(t, err)
		require.Len(t, scs, 2)
		assert.Equal(t, "one", scs[0].ID)
		assert.Equal(t, "two", scs[1].ID)
	})

	t.Run("DuplicateIDs", func(t *testing.T) {
		dup := writeScenario(t, dir, "dup.yaml", "one")
		_, err := l.Load(sub, dup)
		assert.ErrorContains(t, err, `duplicate scenario id "one"`)
	})

	t.Run("Missing", func(t *testing.T) {
		_, err := l.Load(filepath.Join(dir, "absent.yaml"))
		assert.ErrorContains(t, err, "reading scenario path")
	})

	t.Run("NoPaths", func(t *testing.T) {
		_, err := l.Load()
		assert.EqualError(t, err, "no scenario paths given")
	})

	t.Run("HomeExpansion", func(t *testing.T) {
		homedir.DisableCache = true
		t.Cleanup(func() { homedir.DisableCache = false })
		t.Setenv("HOME", dir)

		sc, err := l.LoadFile("~/two.yaml")
		require.NoError(t, err)
		assert.Equal(t, "two", sc.ID)
		assert.Equal(t, single, sc.Source)
	})
}

// The scenarios shipped with the repository must always load.
func TestShippedScenarios(t *testing.T) {
	scs, err := newTestLoader(t).Load(filepath.Join("..", "..", "scenarios"))
	require.NoError(t, err)
	require.NotEmpty(t, scs)

	byID := make(map[string]*schemas.Scenario, len(scs))
	for _, sc := range scs {
		byID[sc.ID] = sc
	}
	for _, id := range []string{"TC002", "TC012", "TC014", "TC015", "contact-empty-validation"} {
		assert.Contains(t, byID, id)
	}

	empty := byID["contact-empty-validation"]
	require.NotNil(t, empty)
	last := empty.Steps[len(empty.Steps)-1]
	assert.Equal(t, schemas.PredicateHidden, last.Predicate.Kind)

	search := byID["TC002"]
	require.NotNil(t, search)
	assert.Equal(t, schemas.PredicateCountAtLeast, search.Steps[len(search.Steps)-1].Predicate.Kind)
}

func TestFilterTags(t *testing.T) {
	scs := []*schemas.Scenario{
		{ID: "a", Tags: []string{"smoke"}},
		{ID: "b", Tags: []string{"Forms"}},
		{ID: "c"},
	}
	assert.Len(t, FilterTags(scs, nil), 3)

	got := FilterTags(scs, []string{"forms", "security"})
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].ID)
}

func TestOverrideBaseURL(t *testing.T) {
	scs := []*schemas.Scenario{{ID: "a", BaseURL: "http://localhost:3000"}, {ID: "b"}}
	OverrideBaseURL(scs, "")
	assert.Equal(t, "http://localhost:3000", scs[0].BaseURL)

	OverrideBaseURL(scs, "https://staging.example.test")
	assert.Equal(t, "https://staging.example.test", scs[0].BaseURL)
	assert.Equal(t, "https://staging.example.test", scs[1].BaseURL)
}
