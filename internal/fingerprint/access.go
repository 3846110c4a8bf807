package fingerprint

import (
	"fmt"
	"slices"

	"github.com/roach88/hermetic/internal/pipgraph"
	"github.com/roach88/hermetic/internal/sandbox"
)

// Violation is an access outside everything the pip declared.
type Violation struct {
	Path   string
	Op     sandbox.Op
	PID    int
	Reason string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s %s (pid %d): %s", v.Op, v.Path, v.PID, v.Reason)
}

// FilterAccesses classifies reports against p's declarations. It returns
// the sorted set of input paths the pip observed and every undeclared
// access.
//
//   - untracked paths are dropped entirely
//   - writes and deletes must target declared outputs
//   - reads and execs must target a declared input, a path covered by one
//     of the pip's input seals, or the pip's own executable
//   - probes and enumerations are recorded as observed inputs but are
//     never violations
//   - accesses to the pip's own outputs are not inputs
func FilterAccesses(reports []sandbox.AccessReport, p *pipgraph.Pip, g *pipgraph.Graph) ([]string, []Violation) {
	var (
		paths      []string
		violations []Violation
	)
	for _, r := range reports {
		if p.IsUntracked(r.Path) {
			continue
		}
		if r.Op.IsWrite() {
			if !p.IsDeclaredOutput(r.Path) {
				violations = append(violations, Violation{Path: r.Path, Op: r.Op, PID: r.PID, Reason: "write outside declared outputs"})
			}
			continue
		}
		if p.IsDeclaredOutput(r.Path) {
			continue
		}
		paths = append(paths, r.Path)

		if r.Op == sandbox.OpRead || r.Op == sandbox.OpExec {
			if !readAllowed(r.Path, p, g) {
				violations = append(violations, Violation{Path: r.Path, Op: r.Op, PID: r.PID, Reason: "read of undeclared input"})
			}
		}
	}
	slices.Sort(paths)
	return slices.Compact(paths), violations
}

func readAllowed(path string, p *pipgraph.Pip, g *pipgraph.Graph) bool {
	return path == p.Executable || p.IsDeclaredInput(path) || g.InputSealsCover(p, path)
}

// PathSet is the full set of paths whose content feeds p's selector: every
// declared input plus every filtered observed access.
func (e *Engine) PathSet(p *pipgraph.Pip, reports []sandbox.AccessReport) ([]string, []Violation) {
	observed, violations := FilterAccesses(reports, p, e.graph)
	all := append(slices.Clone(p.Inputs), observed...)
	slices.Sort(all)
	return slices.Compact(all), violations
}
