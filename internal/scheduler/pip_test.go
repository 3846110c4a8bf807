package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/hermetic/internal/ir"
	"github.com/roach88/hermetic/internal/pipgraph"
)

func TestCoversOutputs(t *testing.T) {
	p := &pipgraph.Pip{Outputs: []string{"/w/out/a"}, OutputDirectories: []string{"/w/gen"}}
	ref := func(path string) ir.OutputRef { return ir.OutputRef{Path: path, Hash: ir.HashBytes([]byte(path))} }
	entry := func(paths ...string) ir.CacheEntry {
		e := ir.CacheEntry{}
		for _, path := range paths {
			e.Outputs = append(e.Outputs, ref(path))
		}
		return e
	}

	assert.True(t, coversOutputs(entry("/w/out/a"), p))
	assert.True(t, coversOutputs(entry("/w/out/a", "/w/gen/x", "/w/gen/sub/y"), p))
	assert.False(t, coversOutputs(entry(), p), "declared file missing")
	assert.False(t, coversOutputs(entry("/w/gen/x"), p), "declared file missing")
	assert.False(t, coversOutputs(entry("/w/out/a", "/w/other"), p), "path outside the declarations")
	assert.False(t, coversOutputs(entry("/w/out/a", "/w/generated/x"), p), "sibling with a shared prefix")
}
