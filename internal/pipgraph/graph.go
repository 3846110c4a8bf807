package pipgraph

import (
	"bytes"
	"slices"

	"github.com/roach88/hermetic/internal/ir"
)

// Graph is a sealed pip graph. It is immutable and safe for concurrent
// reads; returned pips must be treated as read-only.
type Graph struct {
	pips       []Pip
	seals      []SealDirectory
	deps       [][]PipID
	dependents [][]PipID
	topo       []PipID
	producers  map[string]PipID
	outputDirs map[string]PipID
	sources    map[string]struct{}
	hash       ir.ContentHash
}

func newGraph(b *Builder, topo []PipID) *Graph {
	g := &Graph{
		pips:       b.pips,
		seals:      b.seals,
		deps:       make([][]PipID, len(b.pips)),
		dependents: make([][]PipID, len(b.pips)),
		topo:       topo,
		producers:  b.producers,
		outputDirs: b.outputDirs,
		sources:    b.sources,
	}
	for i := range b.pips {
		g.deps[i] = uniqueSorted(slices.Clone(b.dag.pred[i]))
		g.dependents[i] = uniqueSorted(slices.Clone(b.dag.succ[i]))
	}
	g.hash = g.computeHash()
	return g
}

// Len returns the number of pips.
func (g *Graph) Len() int { return len(g.pips) }

// Pip returns the pip with the given ID.
func (g *Graph) Pip(id PipID) (*Pip, bool) {
	if id == InvalidPipID || int(id) > len(g.pips) {
		return nil, false
	}
	return &g.pips[id-1], true
}

// Pips returns every pip in ID order.
func (g *Graph) Pips() []*Pip {
	out := make([]*Pip, len(g.pips))
	for i := range g.pips {
		out[i] = &g.pips[i]
	}
	return out
}

// TopologicalOrder returns pip IDs such that every pip follows all of its
// dependencies.
func (g *Graph) TopologicalOrder() []PipID {
	return slices.Clone(g.topo)
}

// Dependencies returns the pips id directly depends on, sorted.
func (g *Graph) Dependencies(id PipID) []PipID {
	if _, ok := g.Pip(id); !ok {
		return nil
	}
	return slices.Clone(g.deps[id-1])
}

// Dependents returns the pips that directly depend on id, sorted.
func (g *Graph) Dependents(id PipID) []PipID {
	if _, ok := g.Pip(id); !ok {
		return nil
	}
	return slices.Clone(g.dependents[id-1])
}

// TransitiveDependents returns every pip reachable from id, sorted.
func (g *Graph) TransitiveDependents(id PipID) []PipID {
	if _, ok := g.Pip(id); !ok {
		return nil
	}
	visited := make([]bool, len(g.pips))
	var out []PipID
	queue := slices.Clone(g.dependents[id-1])
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if visited[n-1] {
			continue
		}
		visited[n-1] = true
		out = append(out, n)
		queue = append(queue, g.dependents[n-1]...)
	}
	slices.Sort(out)
	return out
}

// Producer returns the pip that produces path, either as a declared output
// file or inside a declared output directory.
func (g *Graph) Producer(path string) (PipID, bool) {
	if id, ok := g.producers[path]; ok {
		return id, true
	}
	for dir, id := range g.outputDirs {
		if IsWithin(path, dir) {
			return id, true
		}
	}
	return InvalidPipID, false
}

// IsSourceFile reports whether path was registered with AddSourceFile.
func (g *Graph) IsSourceFile(path string) bool {
	_, ok := g.sources[path]
	return ok
}

// SealDirectory resolves a directory artifact.
func (g *Graph) SealDirectory(a DirectoryArtifact) (*SealDirectory, bool) {
	if a.SealID == 0 || int(a.SealID) > len(g.seals) {
		return nil, false
	}
	s := &g.seals[a.SealID-1]
	if s.Root != a.Path {
		return nil, false
	}
	return s, true
}

// InputSealsCover reports whether any of p's input seal directories covers
// path.
func (g *Graph) InputSealsCover(p *Pip, path string) bool {
	for _, a := range p.InputDirectories {
		if s, ok := g.SealDirectory(a); ok && s.Covers(path) {
			return true
		}
	}
	return false
}

// Hash identifies the graph's content independent of insertion order: it
// hashes the sorted canonical descriptions of all pips.
func (g *Graph) Hash() ir.ContentHash { return g.hash }

func (g *Graph) computeHash() ir.ContentHash {
	descs := make([][]byte, 0, len(g.pips))
	for i := range g.pips {
		p := &g.pips[i]
		dirs := make([]string, 0, len(p.InputDirectories))
		for _, a := range p.InputDirectories {
			if s, ok := g.SealDirectory(a); ok {
				dirs = append(dirs, s.Kind.String()+":"+s.Root)
			}
		}
		obj := ir.IRObject{
			"name":       ir.IRString(p.Name),
			"executable": ir.IRString(p.Executable),
			"args":       ir.Strings(p.Arguments),
			"env":        ir.StringMap(p.Environment),
			"cwd":        ir.IRString(p.WorkingDir),
			"inputs":     ir.SortedStrings(p.Inputs),
			"input_dirs": ir.SortedStrings(dirs),
			"outputs":    ir.SortedStrings(p.Outputs),
			"out_dirs":   ir.SortedStrings(p.OutputDirectories),
		}
		after := make([]string, 0)
		for _, d := range g.deps[i] {
			after = append(after, g.pips[d-1].Label())
		}
		obj["after"] = ir.SortedStrings(after)
		// Every value above is a string form, so this cannot fail.
		b, _ := ir.MarshalCanonical(obj)
		descs = append(descs, b)
	}
	slices.SortFunc(descs, bytes.Compare)
	return ir.HashWithDomain("hermetic/graph/v1", descs...)
}
