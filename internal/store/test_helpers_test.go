package store

import (
	"path/filepath"
	"testing"

	"github.com/roach88/hermetic/internal/ir"
)

// createTestStore opens a fresh database in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestEntry builds an entry whose fingerprints derive from name, so
// distinct names give distinct strong fingerprints within one weak family.
func createTestEntry(weak, name string, seq int64, outputs ...string) ir.CacheEntry {
	wf := ir.NewWeakFingerprint([]byte(weak))
	sel := ir.NewSelector(ir.HashBytes([]byte(name)), []byte{0x80, 0, 0, 0, 1})
	refs := make([]ir.OutputRef, len(outputs))
	for i, o := range outputs {
		refs[i] = ir.OutputRef{Path: "/out/" + o, Hash: ir.HashBytes([]byte(o))}
	}
	return ir.CacheEntry{
		Strong:   ir.NewStrongFingerprint(wf, sel),
		Weak:     wf,
		Selector: sel,
		Outputs:  refs,
		ObservedInputs: []ir.ObservedInput{
			{Path: "/src/a.c", Kind: ir.ObservedFile, Hash: ir.HashBytes([]byte("a"))},
			{Path: "/src/missing.h", Kind: ir.ObservedAbsent, Hash: ir.AbsentHash},
		},
		Pip: name,
		Seq: seq,
	}
}
