package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/roach88/hermetic/internal/cas"
	"github.com/roach88/hermetic/internal/fingerprint"
	"github.com/roach88/hermetic/internal/ir"
	"github.com/roach88/hermetic/internal/memo"
	"github.com/roach88/hermetic/internal/metrics"
	"github.com/roach88/hermetic/internal/pipgraph"
	"github.com/roach88/hermetic/internal/retry"
	"github.com/roach88/hermetic/internal/sandbox"
)

// maxStderrTail bounds the stderr excerpt carried in a process failure.
const maxStderrTail = 2048

// run is one pip's pass through the state machine.
type run struct {
	b     *build
	p     *pipgraph.Pip
	state State
	pr    *PipResult
}

func (r *run) to(next State) error {
	if err := r.b.transition(r.p.ID, r.state, next); err != nil {
		return err
	}
	r.state = next
	r.pr.State = next
	return nil
}

func (r *run) fail(err error) *PipResult {
	if r.state != Failed {
		if terr := r.to(Failed); terr != nil {
			r.b.logger.Error("state machine", "error", terr)
		}
	}
	r.pr.State = Failed
	r.pr.Err = err
	return r.pr
}

// runPip processes one ready pip and returns its terminal result.
func (b *build) runPip(ctx context.Context, p *pipgraph.Pip) *PipResult {
	started := time.Now()
	r := &run{b: b, p: p, state: Ready, pr: &PipResult{ID: p.ID, Name: p.Label(), State: Ready}}
	logger := b.logger.With("pip", p.Label())

	if err := b.sem.Acquire(ctx, 1); err != nil {
		r.pr.Duration = time.Since(started)
		b.mu.Lock()
		if terr := Transition(b.states, p.ID, Ready, Skipped); terr != nil {
			b.mu.Unlock()
			return r.fail(terr)
		}
		b.mu.Unlock()
		r.pr.State = Skipped
		r.pr.Err = newPipError(p, ErrCodeCanceled, "not started", context.Cause(ctx))
		b.s.recorder.IncPipOutcome(metrics.OutcomeSkipped)
		return r.pr
	}
	defer b.sem.Release(1)

	if err := r.to(FingerprintLookup); err != nil {
		return r.fail(err)
	}
	wf := b.fp.Weak(p)
	logger.Debug("weak fingerprint", "weak", wf.String())

	entry, shared, err := b.s.cache.Do(ctx, wf, func(ctx context.Context) (ir.CacheEntry, error) {
		return r.resolve(ctx, wf, logger)
	})
	r.pr.Duration = time.Since(started)

	outcome := metrics.OutcomeExecuted
	switch {
	case err != nil:
		if r.state != Failed {
			r.fail(err)
		}
		outcome = metrics.OutcomeFailed
		logger.Error("pip failed", "error", err)
	default:
		if shared && r.state == FingerprintLookup {
			// another caller computed this weak fingerprint's outputs
			r.pr.CacheHit = true
			_ = r.to(CacheHit)
			_ = r.to(Materializing)
		}
		if err := r.to(Done); err != nil {
			r.fail(err)
			outcome = metrics.OutcomeFailed
			break
		}
		r.pr.Strong = entry.Strong
		if r.pr.CacheHit {
			outcome = metrics.OutcomeCacheHit
		}
		logger.Debug("pip done", "cache_hit", r.pr.CacheHit, "strong", entry.Strong.String(), "duration", r.pr.Duration)
	}
	b.s.recorder.IncPipOutcome(outcome)
	b.s.recorder.ObservePipDuration(outcome, r.pr.Duration)
	return r.pr
}

// resolve satisfies the pip from cache or by execution and returns the
// entry describing its outputs. On success r is left in Materializing or
// Verifying; runPip makes the final transition to Done.
func (r *run) resolve(ctx context.Context, wf ir.WeakFingerprint, logger *slog.Logger) (ir.CacheEntry, error) {
	hit, ok, err := r.lookup(ctx, wf)
	if err != nil {
		return ir.CacheEntry{}, err
	}
	if ok {
		if err := r.to(CacheHit); err != nil {
			return ir.CacheEntry{}, err
		}
		if err := r.to(Materializing); err != nil {
			return ir.CacheEntry{}, err
		}
		err := r.materialize(ctx, hit)
		switch {
		case err == nil:
			r.pr.CacheHit = true
			return hit, nil
		case cas.IsNotFound(err):
			logger.Warn("cached output missing from content store, re-executing", "error", err)
			if err := r.to(CacheMiss); err != nil {
				return ir.CacheEntry{}, err
			}
			return r.execute(ctx, wf, logger)
		case errors.Is(err, cas.ErrContentMismatch):
			return ir.CacheEntry{}, r.failWith(ErrCodeContentMismatch, "materialize outputs", err)
		default:
			return ir.CacheEntry{}, r.failWith(ErrCodeStore, "materialize outputs", err)
		}
	}
	if err := r.to(CacheMiss); err != nil {
		return ir.CacheEntry{}, err
	}
	return r.execute(ctx, wf, logger)
}

func (r *run) failWith(code PipErrorCode, msg string, err error) error {
	pe := newPipError(r.p, code, msg, err)
	r.fail(pe)
	return pe
}

// lookup walks the weak-fingerprint family, newest first, and returns the
// first entry whose recorded inputs still hash to its selector.
func (r *run) lookup(ctx context.Context, wf ir.WeakFingerprint) (ir.CacheEntry, bool, error) {
	s := r.b.s
	var candidates []ir.CacheEntry
	err := r.withRetry(ctx, "cache_lookup", func(ctx context.Context) error {
		var err error
		candidates, err = s.cache.Candidates(ctx, wf)
		return err
	})
	if err != nil {
		return ir.CacheEntry{}, false, r.failWith(ErrCodeStore, "cache lookup", err)
	}
	for _, c := range candidates {
		valid, err := fingerprint.Revalidate(ctx, c)
		if err != nil {
			r.b.logger.Warn("revalidate candidate", "pip", r.p.Label(), "strong", c.Strong.String(), "error", err)
			continue
		}
		if valid && coversOutputs(c, r.p) {
			s.recorder.IncCacheLookup(true)
			return c, true, nil
		}
	}
	s.recorder.IncCacheLookup(false)
	return ir.CacheEntry{}, false, nil
}

// coversOutputs reports whether e records every declared output file and
// nothing outside the pip's declared outputs and output directories.
func coversOutputs(e ir.CacheEntry, p *pipgraph.Pip) bool {
	declared := 0
	for _, o := range e.Outputs {
		switch {
		case slices.Contains(p.Outputs, o.Path):
			declared++
		case p.IsDeclaredOutput(o.Path):
		default:
			return false
		}
	}
	return declared == len(p.Outputs)
}

// materialize restores e's outputs. Outputs already on disk with the
// recorded content and mode are left alone; files in an output directory
// that e does not record are removed.
func (r *run) materialize(ctx context.Context, e ir.CacheEntry) error {
	recorded := make(map[string]bool, len(e.Outputs))
	for _, o := range e.Outputs {
		recorded[o.Path] = true
	}
	for _, dir := range r.p.OutputDirectories {
		if err := pruneOutputDirectory(dir, recorded); err != nil {
			return err
		}
	}
	for _, o := range e.Outputs {
		current, err := restoredInPlace(o)
		if err != nil {
			return err
		}
		if current {
			continue
		}
		err = r.withRetry(ctx, "materialize", func(ctx context.Context) error {
			return cas.Materialize(ctx, r.b.s.store, o)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// restoredInPlace reports whether o's content is already at o.Path, fixing
// the executable bit if that is all that differs.
func restoredInPlace(o ir.OutputRef) (bool, error) {
	cur, err := fingerprint.HashPath(o.Path)
	if err != nil || cur.Kind != ir.ObservedFile || cur.Hash != o.Hash {
		return false, nil
	}
	info, err := os.Stat(o.Path)
	if err != nil {
		return false, nil
	}
	if isExecutable(info.Mode()) != o.Executable {
		if err := os.Chmod(o.Path, cas.OutputMode(o.Executable)); err != nil {
			return false, fmt.Errorf("chmod %s: %w", o.Path, err)
		}
	}
	return true, nil
}

// pruneOutputDirectory creates dir and removes the files under it that are
// not in keep.
func pruneOutputDirectory(dir string, keep map[string]bool) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || keep[path] {
			return nil
		}
		return os.Remove(path)
	})
}

func isExecutable(mode fs.FileMode) bool {
	return mode&0o111 != 0
}

// execute runs the pip under the sandbox, verifies its accesses, stores
// its outputs and publishes the resulting entry.
func (r *run) execute(ctx context.Context, wf ir.WeakFingerprint, logger *slog.Logger) (ir.CacheEntry, error) {
	s := r.b.s
	p := r.p

	if err := r.to(Executing); err != nil {
		return ir.CacheEntry{}, err
	}
	if err := prepareOutputs(p); err != nil {
		return ir.CacheEntry{}, r.failWith(ErrCodeSandbox, "prepare outputs", err)
	}
	if err := s.throttle(ctx); err != nil {
		return ir.CacheEntry{}, r.failWith(ErrCodeCanceled, "waiting for resources", err)
	}

	cmd := r.command()
	var res *sandbox.Result
	retries, err := retry.Do(ctx, s.retry, sandbox.IsAttachFailure, func(ctx context.Context) error {
		var rerr error
		res, rerr = s.runner.Run(ctx, cmd)
		return rerr
	})
	r.pr.Retries += retries
	for range retries {
		s.recorder.IncRetry("sandbox_attach")
	}
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return ir.CacheEntry{}, r.failWith(ErrCodeCanceled, "process killed", err)
		case sandbox.IsTimeout(err):
			s.recorder.IncSandboxTimeout()
			return ir.CacheEntry{}, r.failWith(ErrCodeSandboxTimeout, "", err)
		default:
			return ir.CacheEntry{}, r.failWith(ErrCodeSandbox, "", err)
		}
	}
	if res.ExitCode != 0 {
		pe := newPipError(p, ErrCodeProcessFailed, fmt.Sprintf("exit code %d", res.ExitCode), nil)
		if tail := stderrTail(res.Stderr); tail != "" {
			pe.Msg += ": " + tail
		}
		r.fail(pe)
		return ir.CacheEntry{}, pe
	}

	if err := r.to(Verifying); err != nil {
		return ir.CacheEntry{}, err
	}
	paths, violations := r.b.fp.PathSet(p, res.Reports)
	if len(violations) > 0 {
		if !s.tolerate && !p.Options.Has(pipgraph.TolerateUndeclaredAccess) {
			pe := newPipError(p, ErrCodeUndeclaredAccess, string(violations[0].Op)+" outside declarations", nil)
			pe.Path = violations[0].Path
			pe.Violations = violations
			r.fail(pe)
			return ir.CacheEntry{}, pe
		}
		for _, v := range violations {
			logger.Warn("tolerated undeclared access", "access", v.String())
		}
	}

	observed, err := fingerprint.Observe(ctx, paths)
	if err != nil {
		return ir.CacheEntry{}, r.failWith(ErrCodeSandbox, "observe inputs", err)
	}
	outputs, err := r.storeOutputs(ctx, logger)
	if err != nil {
		return ir.CacheEntry{}, err
	}

	sel := fingerprint.DeriveSelector(observed, outputs)
	entry := ir.CacheEntry{
		Strong:         fingerprint.ComputeStrongFingerprint(wf, sel),
		Weak:           wf,
		Selector:       sel,
		Outputs:        outputs,
		ObservedInputs: observed,
		Pip:            p.Label(),
		Seq:            s.clock.Next(),
	}
	if err := s.cache.Publish(ctx, entry); err != nil {
		if !memo.IsInconsistency(err) {
			logger.Warn("publish cache entry", "error", err)
		}
	}
	logger.Debug("executed", "reports", len(res.Reports), "observed", len(observed), "duration", res.Duration)
	return entry, nil
}

// storeOutputs puts every output file into the content store: declared
// outputs in declaration order, then the files under each output
// directory in lexical order.
func (r *run) storeOutputs(ctx context.Context, logger *slog.Logger) ([]ir.OutputRef, error) {
	outputs := make([]ir.OutputRef, 0, len(r.p.Outputs))
	for _, path := range r.p.Outputs {
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			pe := newPipError(r.p, ErrCodeMissingOutput, "", err)
			pe.Path = path
			r.fail(pe)
			return nil, pe
		}
		ref, err := r.storeOutput(ctx, path, info.Mode())
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, ref)
	}
	for _, dir := range r.p.OutputDirectories {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			switch {
			case err != nil:
				return err
			case d.IsDir() || slices.Contains(r.p.Outputs, path):
				return nil
			case !d.Type().IsRegular():
				logger.Warn("output directory entry is not a regular file, not cached", "path", path)
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			ref, err := r.storeOutput(ctx, path, info.Mode())
			if err != nil {
				return err
			}
			outputs = append(outputs, ref)
			return nil
		})
		if err != nil {
			var pe *PipError
			if errors.As(err, &pe) {
				return nil, err
			}
			pe = newPipError(r.p, ErrCodeMissingOutput, "read output directory", err)
			pe.Path = dir
			r.fail(pe)
			return nil, pe
		}
	}
	return outputs, nil
}

func (r *run) storeOutput(ctx context.Context, path string, mode fs.FileMode) (ir.OutputRef, error) {
	var h ir.ContentHash
	err := r.withRetry(ctx, "store_output", func(ctx context.Context) error {
		var perr error
		h, perr = r.b.s.store.PutFile(ctx, path)
		return perr
	})
	if err != nil {
		return ir.OutputRef{}, r.failWith(ErrCodeStore, "store output "+path, err)
	}
	return ir.OutputRef{Path: path, Hash: h, Executable: isExecutable(mode)}, nil
}

func (r *run) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	retries, err := retry.Do(ctx, r.b.s.retry, cas.IsUnavailable, fn)
	r.pr.Retries += retries
	for range retries {
		r.b.s.recorder.IncRetry(op)
	}
	return err
}

// command builds the sandbox invocation and its access policy.
func (r *run) command() sandbox.Command {
	p := r.p
	timeout := p.Timeout
	if timeout == 0 {
		timeout = r.b.s.timeout
	}
	readRoots := slices.Clone(p.Inputs)
	readRoots = append(readRoots, p.Executable)
	for _, a := range p.InputDirectories {
		if seal, ok := r.b.graph.SealDirectory(a); ok {
			readRoots = append(readRoots, seal.Root)
		}
	}
	slices.Sort(readRoots)
	writeRoots := append(slices.Clone(p.Outputs), p.OutputDirectories...)
	slices.Sort(writeRoots)
	untracked := append(slices.Clone(p.UntrackedFiles), p.UntrackedScopes...)
	slices.Sort(untracked)

	return sandbox.Command{
		Build:      r.b.id,
		Pip:        p.ID,
		Name:       p.Label(),
		Executable: p.Executable,
		Args:       p.Arguments,
		Env:        p.Environment,
		Dir:        p.WorkingDir,
		Timeout:    timeout,
		Policy: sandbox.AccessPolicy{
			ReadRoots:  slices.Compact(readRoots),
			WriteRoots: slices.Compact(writeRoots),
			Untracked:  slices.Compact(untracked),
		},
	}
}

// prepareOutputs removes stale declared outputs so a pip that fails to
// write one is detected, and creates their parent directories. Output
// directories are emptied, since everything in them is recorded.
func prepareOutputs(p *pipgraph.Pip) error {
	for _, dir := range p.OutputDirectories {
		if err := os.RemoveAll(dir); err != nil {
			return err
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	for _, out := range p.Outputs {
		if err := os.Remove(out); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
			return err
		}
	}
	return nil
}

func stderrTail(b []byte) string {
	b = bytes.TrimSpace(b)
	if len(b) > maxStderrTail {
		b = b[len(b)-maxStderrTail:]
	}
	return string(b)
}

// throttle waits while the monitor reports resource pressure.
func (s *Scheduler) throttle(ctx context.Context) error {
	l := s.limits
	if l.MaxCPUBasisPoints == 0 && l.MinAvailableRAMMB == 0 {
		return nil
	}
	interval := l.PollInterval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	for {
		u := s.runner.Monitor().ResourceUsage()
		pressured := !u.Sampled.IsZero() &&
			((l.MaxCPUBasisPoints > 0 && u.CPUBasisPoints > l.MaxCPUBasisPoints) ||
				(l.MinAvailableRAMMB > 0 && u.AvailableRAMMB < l.MinAvailableRAMMB))
		if !pressured {
			return nil
		}
		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return context.Cause(ctx)
		case <-t.C:
		}
	}
}
