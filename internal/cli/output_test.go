package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, formatter.Success(map[string]string{"outcome": "success"}, nil))

	var resp Response
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, map[string]any{"outcome": "success"}, resp.Data)
	assert.Nil(t, resp.Error)
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, formatter.Error(ErrCodeBuildFailed, "2 pips failed", []string{"compile"}))

	var resp Response
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeBuildFailed, resp.Error.Code)
	assert.Equal(t, "2 pips failed", resp.Error.Message)
	assert.NotNil(t, resp.Error.Details)
}

func TestOutputFormatter_TextSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	require.NoError(t, formatter.Success("ignored", func(w io.Writer) {
		fmt.Fprintln(w, "3 pips, 2 cache hits")
	}))
	assert.Equal(t, "3 pips, 2 cache hits\n", buf.String())

	buf.Reset()
	require.NoError(t, formatter.Success("plain", nil))
	assert.Equal(t, "plain\n", buf.String())
}

func TestOutputFormatter_TextErrorGoesToErrWriter(t *testing.T) {
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: out, ErrWriter: errOut}

	require.NoError(t, formatter.Error(ErrCodeConfig, "bad config", map[string]string{"key": "run.parallel"}))
	assert.Empty(t, out.String())
	assert.Contains(t, errOut.String(), "Error [E010]: bad config")
	assert.NotContains(t, errOut.String(), "Details:")

	formatter.Verbose = true
	require.NoError(t, formatter.Error(ErrCodeConfig, "bad config", "run.parallel"))
	assert.Contains(t, errOut.String(), "Details: run.parallel")
}

func TestOutputFormatter_VerboseLog(t *testing.T) {
	tests := []struct {
		name    string
		verbose bool
		wantLog bool
	}{
		{"verbose_enabled", true, true},
		{"verbose_disabled", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			formatter := &OutputFormatter{Format: "text", Writer: buf, Verbose: tt.verbose}

			formatter.VerboseLog("loading %s", "graph.yaml")

			if tt.wantLog {
				assert.Contains(t, buf.String(), "loading graph.yaml")
			} else {
				assert.Empty(t, buf.String())
			}
		})
	}
}

func TestExitCodeOf(t *testing.T) {
	assert.Equal(t, ExitSuccess, ExitCodeOf(nil))
	assert.Equal(t, ExitFailure, ExitCodeOf(errors.New("plain")))
	assert.Equal(t, ExitCommandError, ExitCodeOf(NewExitError(ExitCommandError, "bad graph")))

	wrapped := fmt.Errorf("outer: %w", WrapExitError(ExitFailure, "build failed", errors.New("cause")))
	assert.Equal(t, ExitFailure, ExitCodeOf(wrapped))
	assert.Equal(t, "build failed: cause", errors.Unwrap(wrapped).Error())
}
