// Package graphload turns graph files into sealed pip graphs.
//
// A graph file is a finalized pip list in YAML (.yaml, .yml) or CUE (.cue)
// with four top-level fields:
//
//	include: [other graph files]
//	sources: [source file paths]
//	seals:   [{name, root, kind, contents, patterns}]
//	pips:    [{name, executable, arguments, inputs, outputs, ...}]
//
// Relative paths resolve against the directory of the file that names them.
// A Session parses each file once, keyed by its canonical path, so a file
// included from several places contributes its pips exactly once.
package graphload
