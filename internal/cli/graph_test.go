package cli

import (
	"path/filepath"
	"regexp"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var graphHash = regexp.MustCompile(`sha256:[0-9a-f]{64}`)

func goldenGraph(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func TestGraphCommandJSON(t *testing.T) {
	out, _, err := execute(t, "--config", writeConfig(t, ""), "--format", "json", "graph", filepath.Join("testdata", "app.yaml"))
	require.NoError(t, err)
	goldenGraph(t).Assert(t, "graph_json", []byte(graphHash.ReplaceAllString(out, "<graph-hash>")))
}

func TestGraphCommandText(t *testing.T) {
	out, _, err := execute(t, "--config", writeConfig(t, ""), "graph", filepath.Join("testdata", "app.yaml"))
	require.NoError(t, err)
	goldenGraph(t).Assert(t, "graph_text", []byte(graphHash.ReplaceAllString(out, "<graph-hash>")))
}

func TestGraphCommandReportsLoadErrors(t *testing.T) {
	_, stderr, err := execute(t, "--config", writeConfig(t, ""), "graph", filepath.Join("..", "graphload", "testdata", "bad", "unknown_seal.yaml"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, ExitCodeOf(err))
	assert.Contains(t, stderr, "E201")
	assert.Contains(t, stderr, "unknown_seal.yaml:2:")
}
