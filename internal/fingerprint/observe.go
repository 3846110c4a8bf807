package fingerprint

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"

	"github.com/roach88/hermetic/internal/ir"
)

// HashPath records what is at path right now: a file's content hash, a
// directory's listing hash, or the absent marker.
func HashPath(path string) (ir.ObservedInput, error) {
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return ir.ObservedInput{Path: path, Kind: ir.ObservedAbsent, Hash: ir.AbsentHash}, nil
	case err != nil:
		return ir.ObservedInput{}, fmt.Errorf("stat %s: %w", path, err)
	case info.IsDir():
		h, err := hashDirectory(path)
		if err != nil {
			return ir.ObservedInput{}, err
		}
		return ir.ObservedInput{Path: path, Kind: ir.ObservedDirectory, Hash: h}, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return ir.ObservedInput{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	h, err := ir.HashReader(f)
	if err != nil {
		return ir.ObservedInput{}, fmt.Errorf("hash %s: %w", path, err)
	}
	return ir.ObservedInput{Path: path, Kind: ir.ObservedFile, Hash: h}, nil
}

// hashDirectory hashes the sorted names of a directory's entries, with a
// trailing slash on subdirectories. Enumeration sees names, not content.
func hashDirectory(path string) (ir.ContentHash, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return ir.ContentHash{}, fmt.Errorf("read dir %s: %w", path, err)
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
		if e.IsDir() {
			names[i] += "/"
		}
	}
	slices.Sort(names)
	encoded, _ := ir.MarshalCanonical(names)
	return ir.HashWithDomain(ir.DomainDir, encoded), nil
}

// Observe hashes every path.
func Observe(ctx context.Context, paths []string) ([]ir.ObservedInput, error) {
	out := make([]ir.ObservedInput, 0, len(paths))
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		in, err := HashPath(p)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, nil
}

// Revalidate re-hashes the inputs a cache entry recorded and reports
// whether they still produce the entry's selector.
func Revalidate(ctx context.Context, entry ir.CacheEntry) (bool, error) {
	paths := make([]string, len(entry.ObservedInputs))
	for i, in := range entry.ObservedInputs {
		paths[i] = in.Path
	}
	current, err := Observe(ctx, paths)
	if err != nil {
		return false, err
	}
	return DeriveSelector(current, entry.Outputs).Equal(entry.Selector), nil
}
