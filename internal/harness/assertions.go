package harness

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// evaluate checks one assertion against the workspace and trace.
func (h *Harness) evaluate(ctx context.Context, a Assertion, result *Result) error {
	switch a.Type {
	case AssertFileContent:
		return assertFileContent(h.path(a.Path), a)
	case AssertFileAbsent:
		return assertFileAbsent(h.path(a.Path), a)
	case AssertPipState:
		return assertPipState(result, a)
	case AssertCacheEntries:
		stats, err := h.db.Stats(ctx)
		if err != nil {
			return fmt.Errorf("cache_entries: %w", err)
		}
		if stats.Entries != a.Count {
			return fmt.Errorf("cache_entries: got %d entries, want %d", stats.Entries, a.Count)
		}
		return nil
	default:
		return fmt.Errorf("unknown assertion type: %s", a.Type)
	}
}

func assertFileContent(path string, a Assertion) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("file_content %s: %w", a.Path, err)
	}
	if string(data) != a.Content {
		return fmt.Errorf("file_content %s: got %q, want %q", a.Path, data, a.Content)
	}
	return nil
}

func assertFileAbsent(path string, a Assertion) error {
	_, err := os.Lstat(path)
	switch {
	case err == nil:
		return fmt.Errorf("file_absent %s: file exists", a.Path)
	case errors.Is(err, fs.ErrNotExist):
		return nil
	default:
		return fmt.Errorf("file_absent %s: %w", a.Path, err)
	}
}

func assertPipState(result *Result, a Assertion) error {
	ev, ok := result.Event(a.Build, a.Pip)
	if !ok {
		return fmt.Errorf("pip_state: pip %s not in build %d", a.Pip, a.Build)
	}
	if ev.State != a.State {
		return fmt.Errorf("pip_state: pip %s in build %d is %s, want %s", a.Pip, a.Build, ev.State, a.State)
	}
	return nil
}
