package fingerprint

import (
	"bytes"
	"slices"
	"sync"

	"github.com/roach88/hermetic/internal/ir"
	"github.com/roach88/hermetic/internal/pipgraph"
)

// Describe returns the canonical static description of p. Untracked files
// and scopes are deliberately absent.
func Describe(p *pipgraph.Pip, g *pipgraph.Graph) ir.IRObject {
	seals := make([]ir.IRObject, 0, len(p.InputDirectories))
	for _, a := range p.InputDirectories {
		s, ok := g.SealDirectory(a)
		if !ok {
			continue
		}
		seals = append(seals, ir.IRObject{
			"root":     ir.IRString(s.Root),
			"kind":     ir.IRString(s.Kind.String()),
			"contents": ir.SortedStrings(s.Contents),
			"patterns": ir.SortedStrings(s.Patterns),
		})
	}
	slices.SortFunc(seals, func(a, b ir.IRObject) int {
		ab, _ := ir.MarshalCanonical(a)
		bb, _ := ir.MarshalCanonical(b)
		return bytes.Compare(ab, bb)
	})
	sealArr := make(ir.IRArray, len(seals))
	for i, s := range seals {
		sealArr[i] = s
	}

	return ir.IRObject{
		"executable":  ir.IRString(p.Executable),
		"args":        ir.Strings(p.Arguments),
		"env":         ir.StringMap(p.Environment),
		"working_dir": ir.IRString(p.WorkingDir),
		"inputs":      ir.SortedStrings(p.Inputs),
		"input_seals": sealArr,
		"outputs":     ir.SortedStrings(p.Outputs),
		"output_dirs": ir.SortedStrings(p.OutputDirectories),
	}
}

// ComputeWeakFingerprint hashes p's canonical description.
func ComputeWeakFingerprint(p *pipgraph.Pip, g *pipgraph.Graph) ir.WeakFingerprint {
	// Describe only emits strings, arrays and objects, which always encode.
	desc, _ := ir.MarshalCanonical(Describe(p, g))
	return ir.NewWeakFingerprint(desc)
}

// ComputeStrongFingerprint combines a weak fingerprint with a selector.
func ComputeStrongFingerprint(weak ir.WeakFingerprint, sel ir.Selector) ir.StrongFingerprint {
	return ir.NewStrongFingerprint(weak, sel)
}

// Engine memoizes weak fingerprints per pip of one sealed graph. It is
// safe for concurrent use.
type Engine struct {
	graph *pipgraph.Graph

	mu   sync.RWMutex
	weak map[pipgraph.PipID]ir.WeakFingerprint
}

// NewEngine returns an engine for g.
func NewEngine(g *pipgraph.Graph) *Engine {
	return &Engine{graph: g, weak: make(map[pipgraph.PipID]ir.WeakFingerprint)}
}

// Graph returns the graph the engine fingerprints.
func (e *Engine) Graph() *pipgraph.Graph { return e.graph }

// Weak returns the memoized weak fingerprint of p.
func (e *Engine) Weak(p *pipgraph.Pip) ir.WeakFingerprint {
	e.mu.RLock()
	wf, ok := e.weak[p.ID]
	e.mu.RUnlock()
	if ok {
		return wf
	}
	wf = ComputeWeakFingerprint(p, e.graph)
	e.mu.Lock()
	e.weak[p.ID] = wf
	e.mu.Unlock()
	return wf
}
