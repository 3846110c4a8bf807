package memo

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/hermetic/internal/ir"
	"github.com/roach88/hermetic/internal/store"
)

func entry(weak, variant string, seq int64, output string) ir.CacheEntry {
	wf := ir.NewWeakFingerprint([]byte(weak))
	sel := ir.NewSelector(ir.HashBytes([]byte(variant)), nil)
	return ir.CacheEntry{
		Strong:   ir.NewStrongFingerprint(wf, sel),
		Weak:     wf,
		Selector: sel,
		Outputs:  []ir.OutputRef{{Path: "/out/x", Hash: ir.HashBytes([]byte(output))}},
		Pip:      weak,
		Seq:      seq,
	}
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPublishThenTryGet(t *testing.T) {
	ctx := context.Background()
	c := New()
	e := entry("pip", "a", 1, "out")

	require.NoError(t, c.Publish(ctx, e))
	got, ok, err := c.TryGet(ctx, e.Strong)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, e.Outputs, got.Outputs)

	_, ok, err = c.TryGet(ctx, entry("pip", "b", 1, "out").Strong)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPublishIdempotent(t *testing.T) {
	ctx := context.Background()
	c := New(WithDurable(openStore(t)))
	e := entry("pip", "a", 1, "out")

	require.NoError(t, c.Publish(ctx, e))
	require.NoError(t, c.Publish(ctx, e))
	assert.Equal(t, 1, c.Len())
}

func TestPublishInconsistency(t *testing.T) {
	tests := []struct {
		name       string
		strict     Strictness
		wantOutput string
	}{
		{"keep existing", StrictKeepExisting, "first"},
		{"replace", StrictReplace, "second"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			durable := openStore(t)
			c := New(WithDurable(durable), WithStrictness(tt.strict))
			first := entry("pip", "a", 1, "first")
			second := entry("pip", "a", 2, "second")

			require.NoError(t, c.Publish(ctx, first))
			err := c.Publish(ctx, second)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrCacheInconsistency)
			assert.True(t, IsInconsistency(err))

			var ie *InconsistencyError
			require.True(t, errors.As(err, &ie))
			assert.Equal(t, tt.strict == StrictReplace, ie.Replaced)

			want := ir.HashBytes([]byte(tt.wantOutput))
			got, ok, err := c.TryGet(ctx, first.Strong)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, want, got.Outputs[0].Hash)

			persisted, ok, err := durable.GetEntry(ctx, first.Strong)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, want, persisted.Outputs[0].Hash)
		})
	}
}

func TestInconsistencyDetectedAcrossProcesses(t *testing.T) {
	ctx := context.Background()
	durable := openStore(t)
	require.NoError(t, New(WithDurable(durable)).Publish(ctx, entry("pip", "a", 1, "first")))

	fresh := New(WithDurable(durable))
	err := fresh.Publish(ctx, entry("pip", "a", 2, "second"))
	assert.ErrorIs(t, err, ErrCacheInconsistency)
}

func TestCandidatesReadThroughDurable(t *testing.T) {
	ctx := context.Background()
	durable := openStore(t)
	old := entry("pip", "a", 1, "x")
	newer := entry("pip", "b", 4, "y")
	other := entry("other", "a", 2, "z")
	for _, e := range []ir.CacheEntry{old, newer, other} {
		_, err := durable.PutEntry(ctx, e)
		require.NoError(t, err)
	}

	c := New(WithDurable(durable))
	fam, err := c.Candidates(ctx, old.Weak)
	require.NoError(t, err)
	require.Len(t, fam, 2)
	assert.Equal(t, newer.Strong, fam[0].Strong)
	assert.Equal(t, old.Strong, fam[1].Strong)

	// published entries join the loaded family
	latest := entry("pip", "c", 9, "w")
	require.NoError(t, c.Publish(ctx, latest))
	fam, err = c.Candidates(ctx, old.Weak)
	require.NoError(t, err)
	require.Len(t, fam, 3)
	assert.Equal(t, latest.Strong, fam[0].Strong)
}

func TestCandidatesEmpty(t *testing.T) {
	fam, err := New().Candidates(context.Background(), ir.NewWeakFingerprint([]byte("none")))
	require.NoError(t, err)
	assert.Empty(t, fam)
}

func TestDoAtMostOneExecution(t *testing.T) {
	ctx := context.Background()
	c := New()
	key := ir.NewWeakFingerprint([]byte("pip"))
	want := entry("pip", "a", 1, "out")

	var runs atomic.Int32
	release := make(chan struct{})
	const n = 16
	var (
		wg      sync.WaitGroup
		started sync.WaitGroup
	)
	results := make([]ir.CacheEntry, n)
	started.Add(n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started.Done()
			got, _, err := c.Do(ctx, key, func(context.Context) (ir.CacheEntry, error) {
				runs.Add(1)
				<-release
				return want, nil
			})
			assert.NoError(t, err)
			results[i] = got
		}()
	}
	started.Wait()
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), runs.Load())
	for _, r := range results {
		assert.Equal(t, want.Strong, r.Strong)
	}
}

func TestDoUnrelatedKeysDoNotSerialize(t *testing.T) {
	ctx := context.Background()
	c := New()
	block := make(chan struct{})
	defer close(block)

	go c.Do(ctx, ir.NewWeakFingerprint([]byte("slow")), func(context.Context) (ir.CacheEntry, error) {
		<-block
		return ir.CacheEntry{}, nil
	})

	done := make(chan struct{})
	go func() {
		_, _, err := c.Do(ctx, ir.NewWeakFingerprint([]byte("fast")), func(context.Context) (ir.CacheEntry, error) {
			return ir.CacheEntry{Pip: "fast"}, nil
		})
		assert.NoError(t, err)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("unrelated key blocked behind in-flight computation")
	}
}

func TestDoWaiterCancellation(t *testing.T) {
	c := New()
	key := ir.NewWeakFingerprint([]byte("pip"))
	block := make(chan struct{})
	defer close(block)
	go c.Do(context.Background(), key, func(context.Context) (ir.CacheEntry, error) {
		<-block
		return ir.CacheEntry{}, nil
	})
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err := c.Do(ctx, key, func(context.Context) (ir.CacheEntry, error) {
		t.Error("second computation must not run")
		return ir.CacheEntry{}, nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestParseStrictness(t *testing.T) {
	s, err := ParseStrictness("")
	require.NoError(t, err)
	assert.Equal(t, StrictKeepExisting, s)
	s, err = ParseStrictness("replace")
	require.NoError(t, err)
	assert.Equal(t, StrictReplace, s)
	_, err = ParseStrictness("bogus")
	assert.Error(t, err)
}
