package cas

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/roach88/hermetic/internal/ir"
)

// DiskStore is a filesystem Store. Layout:
//
//	<root>/
//	  objects/
//	    ab/
//	      cdef... (first 2 hex chars = shard, rest = file name)
//	  tmp/
//
// It is safe for concurrent use without locks: every write lands with an
// atomic rename, and two writers of one hash write identical bytes.
type DiskStore struct {
	root   string
	logger *slog.Logger
}

// DiskOption configures a DiskStore.
type DiskOption func(*DiskStore)

// WithDiskLogger sets the logger (default slog.Default()).
func WithDiskLogger(l *slog.Logger) DiskOption {
	return func(d *DiskStore) {
		if l != nil {
			d.logger = l
		}
	}
}

// NewDiskStore opens (creating if needed) a store rooted at root.
func NewDiskStore(root string, opts ...DiskOption) (*DiskStore, error) {
	for _, dir := range []string{filepath.Join(root, "objects"), filepath.Join(root, "tmp")} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	d := &DiskStore{root: root, logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Root returns the store directory.
func (d *DiskStore) Root() string { return d.root }

func (d *DiskStore) objectPath(h ir.ContentHash) string {
	hex := h.Hex()
	return filepath.Join(d.root, "objects", hex[:2], hex[2:])
}

// Put stores data and returns its hash. Storing existing content is a no-op.
func (d *DiskStore) Put(ctx context.Context, data []byte) (ir.ContentHash, error) {
	if err := ctx.Err(); err != nil {
		return ir.ContentHash{}, err
	}
	h := ir.HashBytes(data)
	if d.exists(h) {
		return h, nil
	}
	tmp, err := os.CreateTemp(filepath.Join(d.root, "tmp"), "put-*")
	if err != nil {
		return ir.ContentHash{}, fmt.Errorf("create temp object: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return ir.ContentHash{}, fmt.Errorf("write temp object: %w", err)
	}
	if err := d.commit(tmp, h); err != nil {
		return ir.ContentHash{}, err
	}
	return h, nil
}

// PutFile streams the file at path into the store.
func (d *DiskStore) PutFile(ctx context.Context, path string) (ir.ContentHash, error) {
	if err := ctx.Err(); err != nil {
		return ir.ContentHash{}, err
	}
	src, err := os.Open(path) // #nosec G304 - declared pip output
	if err != nil {
		return ir.ContentHash{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Join(d.root, "tmp"), "put-*")
	if err != nil {
		return ir.ContentHash{}, fmt.Errorf("create temp object: %w", err)
	}
	h, err := ir.HashReader(io.TeeReader(src, tmp))
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return ir.ContentHash{}, fmt.Errorf("copy %s: %w", path, err)
	}
	if d.exists(h) {
		tmp.Close()
		os.Remove(tmp.Name())
		return h, nil
	}
	if err := d.commit(tmp, h); err != nil {
		return ir.ContentHash{}, err
	}
	return h, nil
}

// commit syncs, closes and renames tmp into its object path.
func (d *DiskStore) commit(tmp *os.File, h ir.ContentHash) error {
	name := tmp.Name()
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("sync temp object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("close temp object: %w", err)
	}
	dst := d.objectPath(h)
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		os.Remove(name)
		return fmt.Errorf("create object directory: %w", err)
	}
	if err := os.Rename(name, dst); err != nil {
		os.Remove(name)
		return fmt.Errorf("commit object %s: %w", h, err)
	}
	return nil
}

// Get reads a blob.
func (d *DiskStore) Get(ctx context.Context, h ir.ContentHash) ([]byte, error) {
	if err := checkHash(h); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(d.objectPath(h))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, h)
		}
		return nil, fmt.Errorf("read object %s: %w", h, err)
	}
	return data, nil
}

// Contains reports whether the blob is present.
func (d *DiskStore) Contains(ctx context.Context, h ir.ContentHash) (bool, error) {
	if err := checkHash(h); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(d.objectPath(h))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("stat object %s: %w", h, err)
	}
}

func (d *DiskStore) exists(h ir.ContentHash) bool {
	_, err := os.Stat(d.objectPath(h))
	return err == nil
}

// Stats summarizes the store's contents.
type Stats struct {
	Objects int   `json:"objects"`
	Bytes   int64 `json:"bytes"`
}

// Stats walks the object tree.
func (d *DiskStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := d.walk(ctx, func(_ ir.ContentHash, path string, info fs.FileInfo) error {
		st.Objects++
		st.Bytes += info.Size()
		return nil
	})
	return st, err
}

// GC removes every blob not in live and returns how many were removed.
// Stale temp files are removed as well.
func (d *DiskStore) GC(ctx context.Context, live map[ir.ContentHash]struct{}) (int, error) {
	removed := 0
	err := d.walk(ctx, func(h ir.ContentHash, path string, _ fs.FileInfo) error {
		if _, ok := live[h]; ok {
			return nil
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove object %s: %w", h, err)
		}
		removed++
		d.logger.Debug("removed unreferenced object", "hash", h.String())
		return nil
	})
	if err != nil {
		return removed, err
	}
	tmps, err := os.ReadDir(filepath.Join(d.root, "tmp"))
	if err != nil {
		return removed, fmt.Errorf("list temp objects: %w", err)
	}
	for _, e := range tmps {
		os.Remove(filepath.Join(d.root, "tmp", e.Name()))
	}
	return removed, nil
}

// walk visits every well-formed object file. Foreign files are skipped.
func (d *DiskStore) walk(ctx context.Context, fn func(ir.ContentHash, string, fs.FileInfo) error) error {
	objects := filepath.Join(d.root, "objects")
	shards, err := os.ReadDir(objects)
	if err != nil {
		return fmt.Errorf("list shards: %w", err)
	}
	for _, shard := range shards {
		if !shard.IsDir() || len(shard.Name()) != 2 {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(objects, shard.Name()))
		if err != nil {
			return fmt.Errorf("list shard %s: %w", shard.Name(), err)
		}
		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				return err
			}
			h, err := ir.ParseContentHash(shard.Name() + e.Name())
			if err != nil || e.IsDir() {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			if err := fn(h, filepath.Join(objects, shard.Name(), e.Name()), info); err != nil {
				return err
			}
		}
	}
	return nil
}
