//go:build unix

package harness

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScenarios(t *testing.T) {
	files, err := filepath.Glob(filepath.Join("testdata", "scenarios", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, file := range files {
		t.Run(strings.TrimSuffix(filepath.Base(file), ".yaml"), func(t *testing.T) {
			s, err := LoadScenario(file)
			require.NoError(t, err)

			result, err := RunWithGolden(t, s)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestRunReportsFailedExpectations(t *testing.T) {
	s := &Scenario{
		Name:        "wrong",
		Description: "expects a cache hit on a first build",
		Files:       map[string]string{"src/a.txt": "a"},
		Graph: `
sources: [src/a.txt]
pips:
  - name: gen
    executable: /bin/sh
    arguments: [-c, {{sh | copy "src/a.txt" "out/a.txt"}}]
    environment: {PATH: /usr/bin:/bin}
    inputs: [src/a.txt]
    outputs: [out/a.txt]
`,
		Steps: []Step{{Build: &BuildStep{Expect: &Expect{Outcome: "failed", Cached: []string{"gen"}}}}},
		Assertions: []Assertion{
			{Type: AssertFileAbsent, Path: "out/a.txt"},
			{Type: AssertPipState, Build: 1, Pip: "gen", State: "failed"},
			{Type: AssertCacheEntries, Count: 2},
		},
	}
	result, err := Run(context.Background(), s, t.TempDir())
	require.NoError(t, err)

	assert.False(t, result.Pass)
	assert.Len(t, result.Errors, 5)
	assert.Contains(t, result.Errors[0], "outcome = success, want failed")
	assert.Contains(t, result.Errors[1], "cached = [], want [gen]")
	assert.Contains(t, result.Errors[2], "file exists")
	assert.Contains(t, result.Errors[3], "is done, want failed")
	assert.Contains(t, result.Errors[4], "got 1 entries, want 2")
}

func TestRunRendersRoot(t *testing.T) {
	dir := t.TempDir()
	s := &Scenario{
		Name:        "root",
		Description: "root expands to the workspace",
		Graph: `
pips:
  - name: stamp
    executable: /bin/sh
    arguments: [-c, {{sh | write (printf "%s/out/stamp" root) "ok"}}]
    outputs: [out/stamp]
`,
		Steps: []Step{{Build: &BuildStep{}}},
	}
	result, err := Run(context.Background(), s, dir)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)

	root, err := filepath.EvalSymlinks(filepath.Join(dir, "ws"))
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(root, "out", "stamp"))
	require.NoError(t, err)
	assert.Equal(t, "ok", string(data))
}

func TestRunRejectsBadTemplate(t *testing.T) {
	s := &Scenario{
		Name:        "bad",
		Description: "unknown template function",
		Graph:       "pips: [{{nope}}]",
		Steps:       []Step{{Build: &BuildStep{}}},
	}
	_, err := Run(context.Background(), s, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "graph template")
}
