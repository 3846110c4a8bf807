package pipgraph

import (
	"container/heap"
	"errors"
	"slices"
)

var errNotAcyclic = errors.New("graph is not acyclic")

// order is the edge set plus an incrementally maintained topological order
// (Pearce–Kelly). pos[i] is the position of node i+1; positions are a
// permutation of 0..n-1 and every edge u→v has pos[u] < pos[v].
type order struct {
	succ [][]PipID
	pred [][]PipID
	pos  []int
}

// addNode appends a node whose only edges come from existing nodes, so
// placing it last keeps the order valid.
func (o *order) addNode(deps []PipID) {
	id := PipID(len(o.pos) + 1)
	o.pos = append(o.pos, len(o.pos))
	o.succ = append(o.succ, nil)
	o.pred = append(o.pred, deps)
	for _, d := range deps {
		o.succ[d-1] = append(o.succ[d-1], id)
	}
}

func (o *order) hasEdge(from, to PipID) bool {
	return slices.Contains(o.succ[from-1], to)
}

// addEdge inserts from→to. If the edge would close a cycle it returns the
// cycle as [from, to, ..., from] and changes nothing.
func (o *order) addEdge(from, to PipID) []PipID {
	if o.hasEdge(from, to) {
		return nil
	}
	lb, ub := o.pos[to-1], o.pos[from-1]
	if lb > ub {
		o.link(from, to)
		return nil
	}

	// Forward search from to, bounded by ub.
	parent := map[PipID]PipID{to: InvalidPipID}
	var forward []PipID
	stack := []PipID{to}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		forward = append(forward, n)
		for _, w := range o.succ[n-1] {
			if w == from {
				path := []PipID{from}
				var back []PipID
				for c := n; c != InvalidPipID; c = parent[c] {
					back = append(back, c)
				}
				slices.Reverse(back)
				return append(append(path, back...), from)
			}
			if _, seen := parent[w]; !seen && o.pos[w-1] < ub {
				parent[w] = n
				stack = append(stack, w)
			}
		}
	}

	// Backward search from from, bounded by lb.
	seen := map[PipID]bool{from: true}
	var backward []PipID
	stack = []PipID{from}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		backward = append(backward, n)
		for _, w := range o.pred[n-1] {
			if !seen[w] && o.pos[w-1] > lb {
				seen[w] = true
				stack = append(stack, w)
			}
		}
	}

	o.reorder(backward, forward)
	o.link(from, to)
	return nil
}

// reorder moves every node of backward ahead of every node of forward,
// reusing the positions both sets already occupy.
func (o *order) reorder(backward, forward []PipID) {
	byPos := func(a, b PipID) int { return o.pos[a-1] - o.pos[b-1] }
	slices.SortFunc(backward, byPos)
	slices.SortFunc(forward, byPos)

	slots := make([]int, 0, len(backward)+len(forward))
	for _, n := range backward {
		slots = append(slots, o.pos[n-1])
	}
	for _, n := range forward {
		slots = append(slots, o.pos[n-1])
	}
	slices.Sort(slots)

	for i, n := range append(backward, forward...) {
		o.pos[n-1] = slots[i]
	}
}

func (o *order) link(from, to PipID) {
	o.succ[from-1] = append(o.succ[from-1], to)
	o.pred[to-1] = append(o.pred[to-1], from)
}

// kahn returns a topological order, breaking ties by lowest pip ID so the
// order is deterministic for a given insertion sequence.
func (o *order) kahn() ([]PipID, error) {
	n := len(o.pos)
	indeg := make([]int, n)
	for i := range o.pred {
		indeg[i] = len(o.pred[i])
	}
	h := &idHeap{}
	for i := 0; i < n; i++ {
		if indeg[i] == 0 {
			heap.Push(h, PipID(i+1))
		}
	}
	topo := make([]PipID, 0, n)
	for h.Len() > 0 {
		id := heap.Pop(h).(PipID)
		topo = append(topo, id)
		for _, s := range o.succ[id-1] {
			indeg[s-1]--
			if indeg[s-1] == 0 {
				heap.Push(h, s)
			}
		}
	}
	if len(topo) != n {
		return nil, errNotAcyclic
	}
	return topo, nil
}

// findCycle returns one cycle as [a, b, ..., a], or nil for a DAG. It uses
// Tarjan's strongly connected components and walks the first non-trivial
// component.
func (o *order) findCycle() []PipID {
	var (
		index   = 0
		stack   []PipID
		indices = make(map[PipID]int)
		lowlink = make(map[PipID]int)
		onStack = make(map[PipID]bool)
		found   []PipID
	)

	var strongConnect func(PipID)
	strongConnect = func(v PipID) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range o.succ[v-1] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var scc []PipID
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			if found == nil && (len(scc) > 1 || o.hasEdge(v, v)) {
				found = o.walkCycle(scc)
			}
		}
	}

	for i := range o.pos {
		if _, visited := indices[PipID(i+1)]; !visited {
			strongConnect(PipID(i + 1))
		}
	}
	return found
}

func (o *order) walkCycle(scc []PipID) []PipID {
	member := make(map[PipID]bool, len(scc))
	for _, n := range scc {
		member[n] = true
	}
	start := scc[0]
	path := []PipID{start}
	visited := map[PipID]bool{}
	for cur := start; ; {
		visited[cur] = true
		next := InvalidPipID
		for _, w := range o.succ[cur-1] {
			if member[w] && (!visited[w] || w == start) {
				next = w
				break
			}
		}
		if next == InvalidPipID {
			return path
		}
		path = append(path, next)
		if next == start {
			return path
		}
		cur = next
	}
}

type idHeap []PipID

func (h idHeap) Len() int           { return len(h) }
func (h idHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h idHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idHeap) Push(x any)        { *h = append(*h, x.(PipID)) }
func (h *idHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
