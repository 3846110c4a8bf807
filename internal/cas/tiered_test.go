package cas

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/hermetic/internal/ir"
	"github.com/roach88/hermetic/internal/retry"
)

// memStore is an in-memory Store with a switchable outage.
type memStore struct {
	mu    sync.Mutex
	blobs map[ir.ContentHash][]byte
	down  bool
	calls int
}

func newMemStore() *memStore { return &memStore{blobs: map[ir.ContentHash][]byte{}} }

func (m *memStore) fail() error {
	m.calls++
	if m.down {
		return fmt.Errorf("%w: connection refused", ErrStoreUnavailable)
	}
	return nil
}

func (m *memStore) Put(_ context.Context, data []byte) (ir.ContentHash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return ir.ContentHash{}, err
	}
	h := ir.HashBytes(data)
	m.blobs[h] = append([]byte(nil), data...)
	return h, nil
}

func (m *memStore) Get(_ context.Context, h ir.ContentHash) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return nil, err
	}
	data, ok := m.blobs[h]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, h)
	}
	return data, nil
}

func (m *memStore) Contains(_ context.Context, h ir.ContentHash) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return false, err
	}
	_, ok := m.blobs[h]
	return ok, nil
}

func fastPolicy() retry.Policy {
	return retry.NewPolicy(retry.Fixed, time.Millisecond, time.Millisecond, 1)
}

func TestTieredStoreRemoteHitWritesThrough(t *testing.T) {
	ctx := context.Background()
	remote := newMemStore()
	h, err := remote.Put(ctx, []byte("from remote"))
	require.NoError(t, err)

	ts := NewTieredStore(newDisk(t), WithRemote(remote), WithRetryPolicy(fastPolicy()))
	got, err := ts.Get(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, "from remote", string(got))

	ok, err := ts.Local().Contains(ctx, h)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTieredStoreLocalHitSkipsRemote(t *testing.T) {
	ctx := context.Background()
	remote := newMemStore()
	ts := NewTieredStore(newDisk(t), WithRemote(remote), WithRetryPolicy(fastPolicy()))
	h, err := ts.Local().Put(ctx, []byte("local"))
	require.NoError(t, err)

	_, err = ts.Get(ctx, h)
	require.NoError(t, err)
	assert.Zero(t, remote.calls)
}

func TestTieredStorePutPushesToRemote(t *testing.T) {
	ctx := context.Background()
	remote := newMemStore()
	ts := NewTieredStore(newDisk(t), WithRemote(remote), WithRetryPolicy(fastPolicy()))

	h, err := ts.Put(ctx, []byte("shared"))
	require.NoError(t, err)
	ok, err := remote.Contains(ctx, h)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTieredStoreDegradesWhenRemoteDown(t *testing.T) {
	ctx := context.Background()
	remote := newMemStore()
	remote.down = true
	ts := NewTieredStore(newDisk(t), WithRemote(remote), WithRetryPolicy(fastPolicy()))

	h := ir.HashBytes([]byte("nowhere"))
	_, err := ts.Get(ctx, h)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.True(t, ts.Degraded())
	// one attempt plus one retry
	assert.Equal(t, 2, remote.calls)

	ok, err := ts.Contains(ctx, h)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 2, remote.calls, "degraded remote is not consulted again")

	_, err = ts.Put(ctx, []byte("still works locally"))
	assert.NoError(t, err)
}

func TestTieredStoreWithoutRemote(t *testing.T) {
	ts := NewTieredStore(newDisk(t))
	_, err := ts.Get(context.Background(), ir.HashBytes([]byte("x")))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrStoreUnavailable)
}
