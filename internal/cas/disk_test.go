package cas

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/hermetic/internal/ir"
)

func newDisk(t *testing.T) *DiskStore {
	t.Helper()
	d, err := NewDiskStore(t.TempDir())
	require.NoError(t, err)
	return d
}

func TestDiskStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	d := newDisk(t)

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"nil", nil},
		{"text", []byte("hello, world\n")},
		{"binary", []byte{0, 1, 2, 255, 254}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := d.Put(ctx, tt.data)
			require.NoError(t, err)
			assert.Equal(t, ir.HashBytes(tt.data), h)

			ok, err := d.Contains(ctx, h)
			require.NoError(t, err)
			assert.True(t, ok)

			got, err := d.Get(ctx, h)
			require.NoError(t, err)
			assert.Equal(t, len(tt.data), len(got))
			assert.Equal(t, ir.HashBytes(got), h)
		})
	}
}

func TestDiskStoreLayout(t *testing.T) {
	d := newDisk(t)
	h, err := d.Put(context.Background(), []byte("x"))
	require.NoError(t, err)

	hex := h.Hex()
	_, err = os.Stat(filepath.Join(d.Root(), "objects", hex[:2], hex[2:]))
	assert.NoError(t, err)
}

func TestDiskStorePutIsIdempotent(t *testing.T) {
	ctx := context.Background()
	d := newDisk(t)
	h1, err := d.Put(ctx, []byte("same"))
	require.NoError(t, err)
	h2, err := d.Put(ctx, []byte("same"))
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	st, err := d.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Objects)
	assert.Equal(t, int64(4), st.Bytes)
}

func TestDiskStoreMissing(t *testing.T) {
	ctx := context.Background()
	d := newDisk(t)
	h := ir.HashBytes([]byte("never stored"))

	_, err := d.Get(ctx, h)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.True(t, IsNotFound(err))

	ok, err := d.Contains(ctx, h)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDiskStoreRejectsZeroHash(t *testing.T) {
	_, err := newDisk(t).Get(context.Background(), ir.ContentHash{})
	assert.ErrorIs(t, err, ir.ErrInvalidHash)
}

func TestDiskStorePutFile(t *testing.T) {
	ctx := context.Background()
	d := newDisk(t)
	src := filepath.Join(t.TempDir(), "out.txt")
	require.NoError(t, os.WriteFile(src, []byte("file content"), 0o644))

	h, err := d.PutFile(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, ir.HashBytes([]byte("file content")), h)

	// second time hits the exists path
	h2, err := d.PutFile(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, h, h2)

	tmps, err := os.ReadDir(filepath.Join(d.Root(), "tmp"))
	require.NoError(t, err)
	assert.Empty(t, tmps)
}

func TestDiskStoreGC(t *testing.T) {
	ctx := context.Background()
	d := newDisk(t)
	keep, err := d.Put(ctx, []byte("keep"))
	require.NoError(t, err)
	drop, err := d.Put(ctx, []byte("drop"))
	require.NoError(t, err)

	removed, err := d.GC(ctx, map[ir.ContentHash]struct{}{keep: {}})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	ok, _ := d.Contains(ctx, keep)
	assert.True(t, ok)
	ok, _ = d.Contains(ctx, drop)
	assert.False(t, ok)
}

func TestMaterialize(t *testing.T) {
	ctx := context.Background()
	d := newDisk(t)
	h, err := d.Put(ctx, []byte("artifact"))
	require.NoError(t, err)

	dst := filepath.Join(t.TempDir(), "nested", "dir", "a.out")
	require.NoError(t, Materialize(ctx, d, ir.OutputRef{Path: dst, Hash: h}))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "artifact", string(got))
	info, err := os.Stat(dst)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())
}

func TestMaterializeExecutable(t *testing.T) {
	ctx := context.Background()
	d := newDisk(t)
	h, err := d.Put(ctx, []byte("#!/bin/sh\necho tool\n"))
	require.NoError(t, err)

	dst := filepath.Join(t.TempDir(), "bin", "tool")
	require.NoError(t, Materialize(ctx, d, ir.OutputRef{Path: dst, Hash: h, Executable: true}))

	info, err := os.Stat(dst)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}

func TestMaterializeDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	d := newDisk(t)
	h, err := d.Put(ctx, []byte("artifact"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(d.objectPath(h), []byte("tampered"), 0o600))

	dst := filepath.Join(t.TempDir(), "a.out")
	err = Materialize(ctx, d, ir.OutputRef{Path: dst, Hash: h})
	assert.ErrorIs(t, err, ErrContentMismatch)
	_, statErr := os.Stat(dst)
	assert.True(t, os.IsNotExist(statErr))
}

func TestMaterializeMissing(t *testing.T) {
	err := Materialize(context.Background(), newDisk(t), ir.OutputRef{Path: filepath.Join(t.TempDir(), "x"), Hash: ir.HashBytes([]byte("x"))})
	assert.ErrorIs(t, err, ErrNotFound)
}
