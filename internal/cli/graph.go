package cli

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/hermetic/internal/graphload"
	"github.com/roach88/hermetic/internal/pipgraph"
)

// NewGraphCommand creates the graph command.
func NewGraphCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "graph <graph-file>",
		Short: "Validate a graph file and print its pips in build order",
		Long: `Load and seal a graph file without running anything. Cycles, missing
producers and conflicting outputs are reported with their file and line.

Paths are printed relative to the graph file's directory.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := opts.formatter(cmd)
			cfg := opts.Config()
			session := graphload.NewSession(graphload.WithPlatform(cfg.Run.Platform), graphload.WithLogger(opts.Logger()))
			g, err := session.Load(args[0])
			if err != nil {
				return reportGraphError(formatter, err)
			}
			base, err := filepath.Abs(filepath.Dir(args[0]))
			if err != nil {
				return WrapExitError(ExitCommandError, "resolve graph dir", err)
			}
			if resolved, err := filepath.EvalSymlinks(base); err == nil {
				base = resolved
			}
			view := newGraphView(g, base)
			return formatter.Success(view, view.render)
		},
	}
}

// graphView is a sealed graph as the graph command prints it.
type graphView struct {
	Hash string        `json:"hash"`
	Pips []pipNodeView `json:"pips"`
}

type pipNodeView struct {
	ID         uint32   `json:"id"`
	Name       string   `json:"name"`
	Executable string   `json:"executable"`
	DependsOn  []string `json:"depends_on,omitempty"`
	Inputs     []string `json:"inputs,omitempty"`
	Seals      []string `json:"seals,omitempty"`
	Outputs    []string `json:"outputs,omitempty"`
	Location   string   `json:"location,omitempty"`
}

func newGraphView(g *pipgraph.Graph, base string) graphView {
	v := graphView{Hash: g.Hash().String()}
	for _, id := range g.TopologicalOrder() {
		p, _ := g.Pip(id)
		node := pipNodeView{
			ID:         uint32(p.ID),
			Name:       p.Label(),
			Executable: p.Executable,
			Inputs:     relAll(base, p.Inputs),
			Outputs:    relAll(base, p.Outputs),
		}
		for _, dep := range g.Dependencies(id) {
			d, _ := g.Pip(dep)
			node.DependsOn = append(node.DependsOn, d.Label())
		}
		for _, a := range p.InputDirectories {
			node.Seals = append(node.Seals, rel(base, a.Path))
		}
		if loc := p.Provenance.Location(); loc != "" {
			node.Location = rel(base, loc)
		}
		v.Pips = append(v.Pips, node)
	}
	return v
}

func (v graphView) render(w io.Writer) {
	fmt.Fprintf(w, "graph %s: %d pips\n", v.Hash, len(v.Pips))
	for i, p := range v.Pips {
		fmt.Fprintf(w, "%3d. %s", i+1, p.Name)
		if len(p.DependsOn) > 0 {
			fmt.Fprintf(w, " <- %s", strings.Join(p.DependsOn, ", "))
		}
		fmt.Fprintln(w)
		if len(p.Outputs) > 0 {
			fmt.Fprintf(w, "     outputs: %s\n", strings.Join(p.Outputs, " "))
		}
	}
}

func rel(base, path string) string {
	if r, err := filepath.Rel(base, path); err == nil && !strings.HasPrefix(r, "..") {
		return r
	}
	return path
}

func relAll(base string, paths []string) []string {
	if len(paths) == 0 {
		return nil
	}
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = rel(base, p)
	}
	return out
}
