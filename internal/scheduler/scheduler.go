package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/roach88/hermetic/internal/cas"
	"github.com/roach88/hermetic/internal/fingerprint"
	"github.com/roach88/hermetic/internal/ir"
	"github.com/roach88/hermetic/internal/memo"
	"github.com/roach88/hermetic/internal/metrics"
	"github.com/roach88/hermetic/internal/pipgraph"
	"github.com/roach88/hermetic/internal/retry"
	"github.com/roach88/hermetic/internal/sandbox"
	"github.com/roach88/hermetic/internal/store"
)

// ContentStore is the artifact store the scheduler needs. *cas.DiskStore
// and *cas.TieredStore satisfy it.
type ContentStore interface {
	cas.Store
	PutFile(ctx context.Context, path string) (ir.ContentHash, error)
}

// BuildLog persists build records. *store.Store satisfies it.
type BuildLog interface {
	StartBuild(ctx context.Context, id, graphHash string, started time.Time) error
	FinishBuild(ctx context.Context, rec store.BuildRecord) error
}

// ResourceLimits holds pips back while the monitor reports pressure.
// Zero fields disable the corresponding check.
type ResourceLimits struct {
	MaxCPUBasisPoints uint32
	MinAvailableRAMMB uint64
	PollInterval      time.Duration
}

// Scheduler runs sealed graphs. One Scheduler may run several graphs, in
// sequence or concurrently; they share its cache and runner.
type Scheduler struct {
	runner      *sandbox.Runner
	cache       *memo.Cache
	store       ContentStore
	concurrency int
	timeout     time.Duration
	tolerate    bool
	retry       retry.Policy
	limits      ResourceLimits
	clock       Sequencer
	builds      BuildLog
	logger      *slog.Logger
	recorder    metrics.Recorder
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithConcurrency bounds concurrently processed pips (default NumCPU).
func WithConcurrency(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithDefaultTimeout applies to pips without their own timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.timeout = d }
}

// WithTolerateUndeclared downgrades undeclared accesses to warnings for
// every pip.
func WithTolerateUndeclared(v bool) Option {
	return func(s *Scheduler) { s.tolerate = v }
}

// WithRetryPolicy sets the backoff for transient infrastructure errors.
func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Scheduler) { s.retry = p }
}

// WithResourceLimits enables throttling on monitor resource hints.
func WithResourceLimits(l ResourceLimits) Option {
	return func(s *Scheduler) { s.limits = l }
}

// Sequencer hands out the seq stamped on published entries. *Clock
// satisfies it.
type Sequencer interface {
	Next() int64
}

// WithClock sets the seq source (default a Clock starting at 0).
func WithClock(c Sequencer) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithBuildLog records each build's start and outcome.
func WithBuildLog(b BuildLog) Option {
	return func(s *Scheduler) { s.builds = b }
}

// WithLogger sets the logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(s *Scheduler) {
		if r != nil {
			s.recorder = r
		}
	}
}

// New creates a scheduler over the given runner, cache and content store.
func New(runner *sandbox.Runner, cache *memo.Cache, cs ContentStore, opts ...Option) *Scheduler {
	s := &Scheduler{
		runner:      runner,
		cache:       cache,
		store:       cs,
		concurrency: runtime.NumCPU(),
		retry:       retry.DefaultPolicy(),
		clock:       new(Clock),
		logger:      slog.Default(),
		recorder:    metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// build is the mutable state of one Run.
type build struct {
	id      string
	s       *Scheduler
	graph   *pipgraph.Graph
	fp      *fingerprint.Engine
	logger  *slog.Logger
	sem     *semaphore.Weighted
	mu      sync.Mutex
	states  map[pipgraph.PipID]State
	results map[pipgraph.PipID]*PipResult
}

func (b *build) transition(id pipgraph.PipID, from, to State) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Transition(b.states, id, from, to)
}

func (b *build) state(id pipgraph.PipID) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.states[id]
}

// Run executes every pip of g and returns per-pip results. Pip failures
// are reported in the Result, not as an error; the error is non-nil only
// when the scheduler itself could not proceed.
func (s *Scheduler) Run(ctx context.Context, g *pipgraph.Graph) (*Result, error) {
	if g == nil {
		return nil, errors.New("nil graph")
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate build id: %w", err)
	}
	res := &Result{
		BuildID:   id.String(),
		GraphHash: g.Hash(),
		Started:   time.Now(),
		Pips:      make(map[pipgraph.PipID]*PipResult, g.Len()),
	}
	b := &build{
		id:      res.BuildID,
		s:       s,
		graph:   g,
		fp:      fingerprint.NewEngine(g),
		logger:  s.logger.With("build", res.BuildID),
		sem:     semaphore.NewWeighted(int64(s.concurrency)),
		states:  make(map[pipgraph.PipID]State, g.Len()),
		results: res.Pips,
	}
	for _, p := range g.Pips() {
		b.states[p.ID] = Pending
		res.Pips[p.ID] = &PipResult{ID: p.ID, Name: p.Label(), State: Pending}
	}

	if s.builds != nil {
		if err := s.builds.StartBuild(ctx, res.BuildID, res.GraphHash.String(), res.Started); err != nil {
			b.logger.Warn("failed to record build start", "error", err)
		}
	}
	b.logger.Info("build started", "pips", g.Len(), "graph", res.GraphHash.String(), "concurrency", s.concurrency)

	b.dispatch(ctx)

	res.Finished = time.Now()
	res.Canceled = ctx.Err() != nil
	counts := res.Counts()
	s.recorder.ObserveBuildDuration(res.Finished.Sub(res.Started))
	s.recorder.IncBuildOutcome(res.Outcome())
	if s.builds != nil {
		rec := store.BuildRecord{
			ID:         res.BuildID,
			FinishedAt: res.Finished,
			Outcome:    res.Outcome(),
			Total:      counts.Total,
			Executed:   counts.Executed,
			CacheHits:  counts.CacheHits,
			Failed:     counts.Failed,
			Skipped:    counts.Skipped,
		}
		// record even when ctx is canceled
		if err := s.builds.FinishBuild(context.WithoutCancel(ctx), rec); err != nil {
			b.logger.Warn("failed to record build outcome", "error", err)
		}
	}
	b.logger.Info("build finished",
		"outcome", res.Outcome(),
		"executed", counts.Executed,
		"cache_hits", counts.CacheHits,
		"failed", counts.Failed,
		"skipped", counts.Skipped,
		"duration", res.Finished.Sub(res.Started),
	)
	return res, nil
}

// dispatch releases pips as their dependencies finish. A pip becomes ready
// when every dependency is Done; a failure skips all transitive dependents.
func (b *build) dispatch(ctx context.Context) {
	g := b.graph
	waiting := make(map[pipgraph.PipID]int, g.Len())
	var ready []pipgraph.PipID
	for _, id := range g.TopologicalOrder() {
		n := len(g.Dependencies(id))
		waiting[id] = n
		if n == 0 {
			ready = append(ready, id)
		}
	}

	var group errgroup.Group
	finished := make(chan *PipResult)
	inflight := 0

	for {
		for _, id := range ready {
			if b.state(id) != Pending {
				continue
			}
			if ctx.Err() != nil {
				b.skip(id, ErrCodeCanceled, "not started", context.Cause(ctx))
				continue
			}
			if err := b.transition(id, Pending, Ready); err != nil {
				b.logger.Error("state machine", "error", err)
				continue
			}
			p, _ := g.Pip(id)
			inflight++
			group.Go(func() error {
				finished <- b.runPip(ctx, p)
				return nil
			})
		}
		ready = ready[:0]
		if inflight == 0 {
			break
		}

		pr := <-finished
		inflight--
		b.mu.Lock()
		b.results[pr.ID] = pr
		b.mu.Unlock()

		if pr.State != Done {
			if pr.State == Failed {
				b.propagateFailure(pr)
			}
			continue
		}
		for _, dep := range g.Dependents(pr.ID) {
			waiting[dep]--
			if waiting[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}
	_ = group.Wait()

	// pips never released because the build was canceled
	for _, p := range g.Pips() {
		if b.state(p.ID) == Pending {
			b.skip(p.ID, ErrCodeCanceled, "not started", context.Cause(ctx))
		}
	}
}

func (b *build) propagateFailure(failed *PipResult) {
	for _, dep := range b.graph.TransitiveDependents(failed.ID) {
		if b.state(dep) != Pending {
			continue
		}
		b.skip(dep, ErrCodeDependency, "dependency "+failed.Name+" failed", failed.Err)
	}
}

func (b *build) skip(id pipgraph.PipID, code PipErrorCode, msg string, cause error) {
	p, _ := b.graph.Pip(id)
	b.mu.Lock()
	from := b.states[id]
	if err := Transition(b.states, id, from, Skipped); err != nil {
		b.mu.Unlock()
		b.logger.Error("state machine", "error", err)
		return
	}
	pr := b.results[id]
	pr.State = Skipped
	pr.Err = newPipError(p, code, msg, cause)
	b.mu.Unlock()

	b.s.recorder.IncPipOutcome(metrics.OutcomeSkipped)
	b.logger.Debug("pip skipped", "pip", p.Label(), "reason", msg)
}
