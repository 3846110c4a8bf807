package graphload

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/hermetic/internal/pipgraph"
)

func testdata(t *testing.T, rel string) string {
	t.Helper()
	p, err := canonical(filepath.Join("testdata", rel))
	require.NoError(t, err)
	return p
}

func newTestSession() *Session {
	return NewSession(WithPlatform(pipgraph.PlatformNone))
}

func pipsByName(g *pipgraph.Graph) map[string]*pipgraph.Pip {
	out := make(map[string]*pipgraph.Pip)
	for _, p := range g.Pips() {
		out[p.Name] = p
	}
	return out
}

func TestLoadYAML(t *testing.T) {
	dir := filepath.Dir(testdata(t, "app.yaml"))
	g, err := newTestSession().Load(filepath.Join("testdata", "app.yaml"))
	require.NoError(t, err)
	require.Equal(t, 4, g.Len())

	pips := pipsByName(g)
	link := pips["link"]
	require.NotNil(t, link)
	assert.Equal(t, []string{filepath.Join(dir, "out/main.o"), filepath.Join(dir, "out/util.o")}, link.Inputs)
	assert.Equal(t, 30*time.Second, link.Timeout)
	assert.Equal(t, filepath.Join(dir, "app.yaml"), link.Provenance.SpecFile)
	assert.Equal(t, 11, link.Provenance.Line)
	assert.Len(t, g.Dependencies(link.ID), 2)

	main := pips["compile-main"]
	require.Len(t, main.InputDirectories, 1)
	assert.Equal(t, filepath.Join(dir, "include"), main.InputDirectories[0].Path)
	assert.Equal(t, []string{"c"}, main.Provenance.Tags)
	assert.True(t, g.IsSourceFile(filepath.Join(dir, "src/main.c")))

	assert.Equal(t, map[string]string{"LANG": "C"}, pips["compile-util"].Environment)

	stamp := pips["stamp"]
	assert.True(t, stamp.Options.Has(pipgraph.TolerateUndeclaredAccess))
	assert.Equal(t, []pipgraph.PipID{link.ID}, g.Dependencies(stamp.ID))
	assert.Equal(t, []string{"/tmp"}, stamp.UntrackedScopes)

	order := g.TopologicalOrder()
	assert.Less(t, indexOf(order, main.ID), indexOf(order, link.ID))
	assert.Less(t, indexOf(order, link.ID), indexOf(order, stamp.ID))
}

func TestLoadCUE(t *testing.T) {
	dir := filepath.Dir(testdata(t, "app.cue"))
	g, err := newTestSession().Load(filepath.Join("testdata", "app.cue"))
	require.NoError(t, err)
	require.Equal(t, 2, g.Len())

	pips := pipsByName(g)
	link := pips["link"]
	require.NotNil(t, link)
	assert.Equal(t, time.Minute, link.Timeout)
	assert.Equal(t, "/bin/sh", link.Executable)
	assert.Equal(t, []pipgraph.PipID{pips["compile"].ID}, g.Dependencies(link.ID))
	assert.Equal(t, filepath.Join(dir, "out/app"), link.Outputs[0])
	assert.Positive(t, link.Provenance.Line)
}

func TestLoadSameGraphTwiceIsDeterministic(t *testing.T) {
	s := newTestSession()
	g1, err := s.Load(filepath.Join("testdata", "app.yaml"))
	require.NoError(t, err)
	g2, err := s.Load(filepath.Join("testdata", "app.yaml"))
	require.NoError(t, err)
	assert.Equal(t, g1.Hash(), g2.Hash())

	g3, err := newTestSession().Load(filepath.Join("testdata", "app.yaml"))
	require.NoError(t, err)
	assert.Equal(t, g1.Hash(), g3.Hash())
}

func TestLoadIncludeDiamondParsesEachFileOnce(t *testing.T) {
	s := newTestSession()
	g, err := s.Load(filepath.Join("testdata", "include_diamond", "root.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 4, g.Len(), "base.cue contributes its pip once")
	assert.Len(t, s.Parsed(), 5)

	pips := pipsByName(g)
	assert.Len(t, g.TransitiveDependents(pips["base"].ID), 3)
}

func TestLoadIncludeCycle(t *testing.T) {
	_, err := newTestSession().Load(filepath.Join("testdata", "include_cycle", "a.yaml"))
	require.Error(t, err)

	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, ErrCodeInclude, le.Code)
	assert.Contains(t, le.Message, "a.yaml -> ")
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		file string
		code string
		is   error
	}{
		{"unknown_field.yaml", ErrCodeFormat, nil},
		{"unknown_seal.yaml", ErrCodeInvalid, nil},
		{"bad_timeout.yaml", ErrCodeInvalid, nil},
		{"data_cycle.yaml", ErrCodeGraph, pipgraph.ErrCycleDetected},
		{"unsatisfied.yaml", ErrCodeGraph, pipgraph.ErrUnsatisfiedDependency},
		{"duplicate_output.yaml", ErrCodeGraph, pipgraph.ErrDuplicateProducer},
		{"after_unknown.yaml", ErrCodeInvalid, nil},
		{"invalid.cue", ErrCodeParse, nil},
		{"graph.txt", ErrCodeUnsupported, nil},
	}
	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			_, err := newTestSession().Load(filepath.Join("testdata", "bad", tt.file))
			require.Error(t, err)

			var le *LoadError
			require.ErrorAs(t, err, &le)
			assert.Equal(t, tt.code, le.Code, err.Error())
			if tt.is != nil {
				assert.ErrorIs(t, err, tt.is)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := newTestSession().Load(filepath.Join(t.TempDir(), "absent.yaml"))
	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, ErrCodeNotFound, le.Code)
}

func TestLoadErrorPosition(t *testing.T) {
	_, err := newTestSession().Load(filepath.Join("testdata", "bad", "unknown_seal.yaml"))
	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, 2, le.Line)
	assert.Contains(t, err.Error(), "unknown_seal.yaml:2:")
}

func TestLoadDependsOnOS(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "g.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
pips:
  - name: p
    executable: /bin/sh
    outputs: [out/p]
    depends_on_os: true
`), 0o644))

	g, err := NewSession(WithPlatform(pipgraph.PlatformLinux), WithHome("/home/builder")).Load(path)
	require.NoError(t, err)
	p := pipsByName(g)["p"]
	assert.True(t, p.Options.Has(pipgraph.DependsOnCurrentOS))
	assert.NotEmpty(t, p.InputDirectories)
}

func TestExecutableResolution(t *testing.T) {
	got, err := executable("/work", "tools/gen.sh")
	require.NoError(t, err)
	assert.Equal(t, "/work/tools/gen.sh", got)

	got, err = executable("/work", "/bin/sh")
	require.NoError(t, err)
	assert.Equal(t, "/bin/sh", got)

	got, err = executable("/work", "sh")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(got))

	_, err = executable("/work", "")
	require.Error(t, err)
}

func indexOf(ids []pipgraph.PipID, id pipgraph.PipID) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}
