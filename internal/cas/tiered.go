package cas

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/roach88/hermetic/internal/ir"
	"github.com/roach88/hermetic/internal/metrics"
	"github.com/roach88/hermetic/internal/retry"
)

// TieredStore serves from a local DiskStore first and falls back to an
// optional remote Store. Remote hits are written through to local.
//
// Remote failures are retried with the configured policy; once retries
// are spent the remote tier is marked degraded and no longer consulted
// for the lifetime of the TieredStore. A degraded lookup reports the blob
// as absent with an error wrapping both ErrNotFound and
// ErrStoreUnavailable.
type TieredStore struct {
	local    *DiskStore
	remote   Store
	policy   retry.Policy
	logger   *slog.Logger
	recorder metrics.Recorder
	degraded atomic.Bool
}

// TieredOption configures a TieredStore.
type TieredOption func(*TieredStore)

// WithRemote attaches a remote tier.
func WithRemote(r Store) TieredOption {
	return func(t *TieredStore) { t.remote = r }
}

// WithRetryPolicy sets the backoff used for remote calls.
func WithRetryPolicy(p retry.Policy) TieredOption {
	return func(t *TieredStore) { t.policy = p }
}

// WithTieredLogger sets the logger (default slog.Default()).
func WithTieredLogger(l *slog.Logger) TieredOption {
	return func(t *TieredStore) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithRecorder sets the metrics recorder (default NoopRecorder).
func WithRecorder(r metrics.Recorder) TieredOption {
	return func(t *TieredStore) {
		if r != nil {
			t.recorder = r
		}
	}
}

// NewTieredStore layers the given options over local.
func NewTieredStore(local *DiskStore, opts ...TieredOption) *TieredStore {
	t := &TieredStore{
		local:    local,
		policy:   retry.DefaultPolicy(),
		logger:   slog.Default(),
		recorder: metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Local returns the disk tier.
func (t *TieredStore) Local() *DiskStore { return t.local }

// Degraded reports whether the remote tier has been given up on.
func (t *TieredStore) Degraded() bool { return t.degraded.Load() }

func (t *TieredStore) remoteUsable() bool {
	return t.remote != nil && !t.degraded.Load()
}

// Put stores data locally and pushes it to the remote tier. A remote
// failure degrades the tier and is not returned.
func (t *TieredStore) Put(ctx context.Context, data []byte) (ir.ContentHash, error) {
	h, err := t.local.Put(ctx, data)
	if err != nil {
		return ir.ContentHash{}, err
	}
	t.push(ctx, h, data)
	return h, nil
}

// PutFile stores the file locally and pushes it to the remote tier.
func (t *TieredStore) PutFile(ctx context.Context, path string) (ir.ContentHash, error) {
	h, err := t.local.PutFile(ctx, path)
	if err != nil {
		return ir.ContentHash{}, err
	}
	if !t.remoteUsable() {
		return h, nil
	}
	data, err := t.local.Get(ctx, h)
	if err != nil {
		return h, nil
	}
	t.push(ctx, h, data)
	return h, nil
}

func (t *TieredStore) push(ctx context.Context, h ir.ContentHash, data []byte) {
	if !t.remoteUsable() {
		return
	}
	err := t.withRetry(ctx, "remote_put", func(ctx context.Context) error {
		ok, err := t.remote.Contains(ctx, h)
		if err != nil || ok {
			return err
		}
		_, err = t.remote.Put(ctx, data)
		return err
	})
	switch {
	case err == nil:
	case IsUnavailable(err):
		t.degrade(err)
	default:
		t.logger.Warn("remote put failed", "hash", h.String(), "error", err)
	}
}

// Get serves from local, then remote.
func (t *TieredStore) Get(ctx context.Context, h ir.ContentHash) ([]byte, error) {
	data, err := t.local.Get(ctx, h)
	if err == nil || !IsNotFound(err) || !t.remoteUsable() {
		return data, err
	}
	var remote []byte
	err = t.withRetry(ctx, "remote_get", func(ctx context.Context) error {
		var gerr error
		remote, gerr = t.remote.Get(ctx, h)
		return gerr
	})
	switch {
	case err == nil:
	case IsNotFound(err) && !IsUnavailable(err):
		return nil, err
	case IsUnavailable(err):
		t.degrade(err)
		return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
	default:
		return nil, err
	}
	if err := Verify(h, remote); err != nil {
		return nil, err
	}
	if _, err := t.local.Put(ctx, remote); err != nil {
		t.logger.Warn("write-through of remote blob failed", "hash", h.String(), "error", err)
	}
	return remote, nil
}

// Contains checks local, then remote. An unavailable remote reports false.
func (t *TieredStore) Contains(ctx context.Context, h ir.ContentHash) (bool, error) {
	ok, err := t.local.Contains(ctx, h)
	if err != nil || ok || !t.remoteUsable() {
		return ok, err
	}
	err = t.withRetry(ctx, "remote_contains", func(ctx context.Context) error {
		var cerr error
		ok, cerr = t.remote.Contains(ctx, h)
		return cerr
	})
	if err != nil {
		if IsUnavailable(err) {
			t.degrade(err)
			return false, nil
		}
		return false, err
	}
	return ok, nil
}

func (t *TieredStore) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	retries, err := retry.Do(ctx, t.policy, IsUnavailable, fn)
	for range retries {
		t.recorder.IncRetry(op)
	}
	return err
}

func (t *TieredStore) degrade(err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	if t.degraded.CompareAndSwap(false, true) {
		t.logger.Warn("remote cache unavailable, continuing with local store only", "error", err)
	}
}
