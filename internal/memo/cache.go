package memo

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/roach88/hermetic/internal/ir"
	"github.com/roach88/hermetic/internal/metrics"
)

// Strictness decides which entry survives an inconsistent publish.
type Strictness int

const (
	// StrictKeepExisting keeps the first published entry (default).
	StrictKeepExisting Strictness = iota
	// StrictReplace lets the incoming entry win.
	StrictReplace
)

func (s Strictness) String() string {
	switch s {
	case StrictReplace:
		return "replace"
	default:
		return "keep_existing"
	}
}

// ParseStrictness maps "keep_existing" (or "") and "replace".
func ParseStrictness(s string) (Strictness, error) {
	switch s {
	case "", "keep_existing":
		return StrictKeepExisting, nil
	case "replace":
		return StrictReplace, nil
	default:
		return 0, fmt.Errorf("unknown cache strictness %q", s)
	}
}

// Durable is the persistent layer behind a Cache. *store.Store satisfies it.
type Durable interface {
	PutEntry(ctx context.Context, e ir.CacheEntry) (bool, error)
	ReplaceEntry(ctx context.Context, e ir.CacheEntry) error
	GetEntry(ctx context.Context, sf ir.StrongFingerprint) (ir.CacheEntry, bool, error)
	EntriesByWeak(ctx context.Context, wf ir.WeakFingerprint) ([]ir.CacheEntry, error)
}

// Cache is safe for concurrent use.
type Cache struct {
	mu       sync.RWMutex
	byStrong map[ir.StrongFingerprint]ir.CacheEntry
	families map[ir.WeakFingerprint]map[ir.StrongFingerprint]struct{}
	loaded   map[ir.WeakFingerprint]bool

	durable  Durable
	strict   Strictness
	gate     singleflight.Group
	logger   *slog.Logger
	recorder metrics.Recorder
}

// Option configures a Cache.
type Option func(*Cache)

// WithDurable sets the persistent layer.
func WithDurable(d Durable) Option {
	return func(c *Cache) { c.durable = d }
}

// WithStrictness sets the inconsistency policy.
func WithStrictness(s Strictness) Option {
	return func(c *Cache) { c.strict = s }
}

// WithLogger sets the logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(c *Cache) {
		if r != nil {
			c.recorder = r
		}
	}
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		byStrong: make(map[ir.StrongFingerprint]ir.CacheEntry),
		families: make(map[ir.WeakFingerprint]map[ir.StrongFingerprint]struct{}),
		loaded:   make(map[ir.WeakFingerprint]bool),
		logger:   slog.Default(),
		recorder: metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Strictness returns the configured policy.
func (c *Cache) Strictness() Strictness { return c.strict }

// Len returns the number of in-memory entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byStrong)
}

// remember stores e in memory, overwriting any entry under its strong key.
// Caller holds c.mu.
func (c *Cache) remember(e ir.CacheEntry) {
	c.byStrong[e.Strong] = e
	fam, ok := c.families[e.Weak]
	if !ok {
		fam = make(map[ir.StrongFingerprint]struct{})
		c.families[e.Weak] = fam
	}
	fam[e.Strong] = struct{}{}
}

// TryGet looks up sf in memory, then in the durable layer.
func (c *Cache) TryGet(ctx context.Context, sf ir.StrongFingerprint) (*ir.CacheEntry, bool, error) {
	c.mu.RLock()
	e, ok := c.byStrong[sf]
	c.mu.RUnlock()
	if ok {
		return &e, true, nil
	}
	if c.durable == nil {
		return nil, false, nil
	}
	e, ok, err := c.durable.GetEntry(ctx, sf)
	if err != nil || !ok {
		return nil, false, err
	}
	c.mu.Lock()
	if cur, exists := c.byStrong[sf]; exists {
		e = cur
	} else {
		c.remember(e)
	}
	c.mu.Unlock()
	return &e, true, nil
}

// Candidates returns every entry under wf, newest first (seq DESC, then
// strong fingerprint ascending).
func (c *Cache) Candidates(ctx context.Context, wf ir.WeakFingerprint) ([]ir.CacheEntry, error) {
	if err := c.loadFamily(ctx, wf); err != nil {
		return nil, err
	}
	c.mu.RLock()
	fam := c.families[wf]
	out := make([]ir.CacheEntry, 0, len(fam))
	for sf := range fam {
		out = append(out, c.byStrong[sf])
	}
	c.mu.RUnlock()

	slices.SortFunc(out, func(a, b ir.CacheEntry) int {
		if a.Seq != b.Seq {
			return cmp.Compare(b.Seq, a.Seq)
		}
		return cmp.Compare(a.Strong.String(), b.Strong.String())
	})
	return out, nil
}

// loadFamily pulls wf's family from the durable layer once per Cache.
func (c *Cache) loadFamily(ctx context.Context, wf ir.WeakFingerprint) error {
	if c.durable == nil {
		return nil
	}
	c.mu.RLock()
	done := c.loaded[wf]
	c.mu.RUnlock()
	if done {
		return nil
	}
	entries, err := c.durable.EntriesByWeak(ctx, wf)
	if err != nil {
		return fmt.Errorf("load weak fingerprint family: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range entries {
		if _, ok := c.byStrong[e.Strong]; !ok {
			c.remember(e)
		}
	}
	c.loaded[wf] = true
	return nil
}

// Publish records e. Republishing identical outputs is a no-op; different
// outputs under an existing strong fingerprint return an
// *InconsistencyError after applying the Strictness policy.
func (c *Cache) Publish(ctx context.Context, e ir.CacheEntry) error {
	existing, found, err := c.TryGet(ctx, e.Strong)
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	if found {
		if existing.SameOutputs(e) {
			return nil
		}
		return c.inconsistent(ctx, *existing, e)
	}

	if c.durable != nil {
		inserted, err := c.durable.PutEntry(ctx, e)
		if err != nil {
			return fmt.Errorf("publish: %w", err)
		}
		if !inserted {
			// lost a race with another writer of the same database
			persisted, ok, err := c.durable.GetEntry(ctx, e.Strong)
			if err != nil {
				return fmt.Errorf("publish: %w", err)
			}
			if ok && !persisted.SameOutputs(e) {
				c.mu.Lock()
				c.remember(persisted)
				c.mu.Unlock()
				return c.inconsistent(ctx, persisted, e)
			}
		}
	}

	c.mu.Lock()
	cur, ok := c.byStrong[e.Strong]
	if !ok {
		c.remember(e)
	}
	c.mu.Unlock()
	if ok && !cur.SameOutputs(e) {
		return c.inconsistent(ctx, cur, e)
	}
	return nil
}

func (c *Cache) inconsistent(ctx context.Context, existing, incoming ir.CacheEntry) error {
	ie := &InconsistencyError{
		Strong:   incoming.Strong,
		Pip:      incoming.Pip,
		Existing: existing.Outputs,
		Incoming: incoming.Outputs,
		Replaced: c.strict == StrictReplace,
	}
	if ie.Replaced {
		if c.durable != nil {
			if err := c.durable.ReplaceEntry(ctx, incoming); err != nil {
				return fmt.Errorf("publish: %w", err)
			}
		}
		c.mu.Lock()
		c.remember(incoming)
		c.mu.Unlock()
	}
	c.recorder.IncCacheInconsistency()
	c.logger.Error("cache inconsistency",
		"strong", incoming.Strong.String(),
		"pip", incoming.Pip,
		"strictness", c.strict.String(),
		"error", ie)
	return ie
}

// Do runs fn at most once concurrently per key. Callers arriving while a
// computation is in flight wait for it and share its result; shared
// reports whether this caller received another caller's result. fn runs
// with the first caller's context; a waiter whose own ctx ends stops
// waiting without cancelling fn.
func (c *Cache) Do(ctx context.Context, key fmt.Stringer, fn func(context.Context) (ir.CacheEntry, error)) (entry ir.CacheEntry, shared bool, err error) {
	k := fmt.Sprintf("%T/%s", key, key)
	ch := c.gate.DoChan(k, func() (any, error) {
		return fn(ctx)
	})
	select {
	case <-ctx.Done():
		return ir.CacheEntry{}, false, context.Cause(ctx)
	case res := <-ch:
		if res.Err != nil {
			return ir.CacheEntry{}, res.Shared, res.Err
		}
		return res.Val.(ir.CacheEntry), res.Shared, nil
	}
}
