package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"text/template"
	"time"

	"github.com/roach88/hermetic/internal/cas"
	"github.com/roach88/hermetic/internal/graphload"
	"github.com/roach88/hermetic/internal/memo"
	"github.com/roach88/hermetic/internal/pipgraph"
	"github.com/roach88/hermetic/internal/retry"
	"github.com/roach88/hermetic/internal/sandbox"
	"github.com/roach88/hermetic/internal/scheduler"
	"github.com/roach88/hermetic/internal/store"
	"github.com/roach88/hermetic/internal/testutil"
)

// Harness is the state one scenario runs against. Every build in the
// scenario shares the same content store, cache database and clock.
type Harness struct {
	root    string
	cas     *cas.DiskStore
	db      *store.Store
	cache   *memo.Cache
	monitor *testutil.FakeMonitor
	clock   *testutil.DeterministicClock
	logger  *slog.Logger
}

// Option configures a Harness.
type Option func(*Harness)

// WithLogger sets the logger handed to the loader and scheduler. Logs are
// discarded by default.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

// Run executes a scenario in dir, which must be empty or absent, and
// returns the trace. Failed expectations are reported in the result; the
// error is reserved for a scenario that could not run at all.
func Run(ctx context.Context, s *Scenario, dir string, opts ...Option) (*Result, error) {
	h, err := open(dir, opts...)
	if err != nil {
		return nil, err
	}
	defer h.db.Close()

	for path, content := range s.Files {
		if err := h.write(path, content); err != nil {
			return nil, err
		}
	}
	graphPath, err := h.renderGraph(s.Graph)
	if err != nil {
		return nil, err
	}

	result := NewResult()
	build := 0
	for i, step := range s.Steps {
		switch {
		case len(step.Write) > 0:
			for path, content := range step.Write {
				if err := h.write(path, content); err != nil {
					return nil, err
				}
			}
		case len(step.Remove) > 0:
			for _, path := range step.Remove {
				if err := os.RemoveAll(h.path(path)); err != nil {
					return nil, fmt.Errorf("step %d: %w", i, err)
				}
			}
		case step.Build != nil:
			build++
			if err := h.build(ctx, graphPath, build, step.Build, result); err != nil {
				return nil, fmt.Errorf("step %d: %w", i, err)
			}
		}
	}

	for _, a := range s.Assertions {
		if err := h.evaluate(ctx, a, result); err != nil {
			result.AddError(err.Error())
		}
	}
	return result, nil
}

func open(dir string, opts ...Option) (*Harness, error) {
	ws := filepath.Join(dir, "ws")
	if err := os.MkdirAll(ws, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	root, err := filepath.EvalSymlinks(ws)
	if err != nil {
		return nil, err
	}
	cs, err := cas.NewDiskStore(filepath.Join(dir, "cas"))
	if err != nil {
		return nil, err
	}
	db, err := store.Open(filepath.Join(dir, "cache.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	h := &Harness{
		root:    root,
		cas:     cs,
		db:      db,
		monitor: testutil.NewFakeMonitor(),
		clock:   testutil.NewDeterministicClock(),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.cache = memo.New(memo.WithDurable(db), memo.WithLogger(h.logger))
	return h, nil
}

func (h *Harness) path(rel string) string {
	return filepath.Join(h.root, filepath.FromSlash(rel))
}

func (h *Harness) write(rel, content string) error {
	p := h.path(rel)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p, []byte(content), 0o644)
}

func (h *Harness) build(ctx context.Context, graphPath string, n int, step *BuildStep, result *Result) error {
	// Seal directories capture their contents at load time, so every
	// build loads afresh.
	g, err := graphload.NewSession(
		graphload.WithPlatform(pipgraph.PlatformNone),
		graphload.WithLogger(h.logger),
	).Load(graphPath)
	if err != nil {
		return err
	}

	runner := sandbox.NewRunner(h.monitor,
		sandbox.WithPollInterval(5*time.Millisecond),
		sandbox.WithRunnerLogger(h.logger),
	)
	sched := scheduler.New(runner, h.cache, h.cas,
		scheduler.WithConcurrency(4),
		scheduler.WithClock(h.clock),
		scheduler.WithTolerateUndeclared(step.TolerateUndeclared),
		scheduler.WithRetryPolicy(retry.NewPolicy(retry.Fixed, time.Millisecond, time.Millisecond, 2)),
		scheduler.WithBuildLog(h.db),
		scheduler.WithLogger(h.logger),
	)
	res, err := sched.Run(ctx, g)
	if err != nil {
		return err
	}

	var got Expect
	got.Outcome = res.Outcome()
	for _, id := range g.TopologicalOrder() {
		pr, ok := res.Pip(id)
		if !ok {
			continue
		}
		result.Trace = append(result.Trace, TraceEvent{
			Build:  n,
			Pip:    pr.Name,
			State:  pr.State.String(),
			Cached: pr.CacheHit,
			Code:   string(scheduler.CodeOf(pr.Err)),
		})
		switch {
		case pr.State == scheduler.Failed:
			got.Failed = append(got.Failed, pr.Name)
		case pr.State == scheduler.Skipped:
			got.Skipped = append(got.Skipped, pr.Name)
		case pr.CacheHit:
			got.Cached = append(got.Cached, pr.Name)
		default:
			got.Executed = append(got.Executed, pr.Name)
		}
	}

	if step.Expect != nil {
		checkExpect(n, step.Expect, &got, result)
	}
	return nil
}

func checkExpect(n int, want, got *Expect, result *Result) {
	if want.Outcome != "" && want.Outcome != got.Outcome {
		result.AddError(fmt.Sprintf("build %d: outcome = %s, want %s", n, got.Outcome, want.Outcome))
	}
	compare := func(what string, want, got []string) {
		if want == nil {
			return
		}
		want, got = sorted(want), sorted(got)
		if !slices.Equal(want, got) {
			result.AddError(fmt.Sprintf("build %d: %s = %v, want %v", n, what, got, want))
		}
	}
	compare("executed", want.Executed, got.Executed)
	compare("cached", want.Cached, got.Cached)
	compare("failed", want.Failed, got.Failed)
	compare("skipped", want.Skipped, got.Skipped)
}

func sorted(s []string) []string {
	out := slices.Clone(s)
	if out == nil {
		out = []string{}
	}
	slices.Sort(out)
	return out
}

// renderGraph expands the graph template into graph.yaml at the workspace
// root and returns its path.
func (h *Harness) renderGraph(text string) (string, error) {
	tmpl, err := template.New("graph").Option("missingkey=error").Funcs(h.funcs()).Parse(text)
	if err != nil {
		return "", fmt.Errorf("failed to parse graph template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, nil); err != nil {
		return "", fmt.Errorf("failed to render graph: %w", err)
	}
	path := filepath.Join(h.root, "graph.yaml")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// shell is a reporting /bin/sh program under construction in a graph
// template. It prints as a double-quoted YAML scalar.
type shell struct {
	script *testutil.Script
}

func (s *shell) String() string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s.script.String())
	return strings.TrimSuffix(buf.String(), "\n")
}

func (h *Harness) funcs() template.FuncMap {
	abs := func(p string) string {
		if filepath.IsAbs(p) {
			return p
		}
		return h.path(p)
	}
	return template.FuncMap{
		"root": func() string { return h.root },
		"sh":   func() *shell { return &shell{script: testutil.NewScript()} },
		"copy": func(src, dst string, s *shell) *shell {
			s.script.Copy(abs(src), abs(dst))
			return s
		},
		"write": func(dst, content string, s *shell) *shell {
			s.script.Write(abs(dst), content)
			return s
		},
		"read": func(path string, s *shell) *shell {
			s.script.Report(sandbox.OpRead, abs(path))
			return s
		},
		"exit": func(code int, s *shell) *shell {
			s.script.Line(fmt.Sprintf("exit %d", code))
			return s
		},
	}
}
