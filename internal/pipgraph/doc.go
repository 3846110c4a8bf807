// Package pipgraph holds the pip dependency graph.
//
// A Builder accepts pips and seal directories one at a time, validating each
// addition before committing it: inputs must resolve to a producer, a
// registered source file, or a seal directory, and no addition may close a
// cycle. Seal freezes the builder into an immutable Graph that is safe for
// concurrent reads.
//
// Edges are derived from output→input path matching. Untracked files and
// untracked directory scopes never produce edges.
package pipgraph
