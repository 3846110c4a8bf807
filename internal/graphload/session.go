package graphload

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/roach88/hermetic/internal/pipgraph"
)

// Session loads graph files. It owns the parse cache: each file is read and
// parsed at most once per session, whichever graph reaches it.
type Session struct {
	mu       sync.Mutex
	parsed   map[string]*document
	platform pipgraph.Platform
	home     string
	logger   *slog.Logger
}

// Option configures a Session.
type Option func(*Session)

// WithPlatform selects the defaults row merged into pips that set
// depends_on_os (default the current platform).
func WithPlatform(p pipgraph.Platform) Option {
	return func(s *Session) { s.platform = p }
}

// WithHome sets the directory "~/" expands to in platform defaults.
func WithHome(dir string) Option {
	return func(s *Session) { s.home = dir }
}

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewSession returns a session with an empty parse cache.
func NewSession(opts ...Option) *Session {
	home, _ := os.UserHomeDir()
	s := &Session{
		parsed:   make(map[string]*document),
		platform: pipgraph.CurrentPlatform(),
		home:     home,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Parsed returns the canonical paths parsed so far, sorted.
func (s *Session) Parsed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.parsed))
	for p := range s.parsed {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// Load reads path and everything it includes and seals the result.
func (s *Session) Load(path string) (*pipgraph.Graph, error) {
	docs, err := s.collect(path)
	if err != nil {
		return nil, err
	}
	return s.assemble(docs)
}

// collect returns the documents reachable from path, includes before
// includers, each once.
func (s *Session) collect(path string) ([]*document, error) {
	var (
		order    []*document
		done     = make(map[string]bool)
		visiting []string
	)
	var visit func(path, from string) error
	visit = func(path, from string) error {
		canon, err := canonical(path)
		if err != nil {
			return &LoadError{Code: ErrCodeNotFound, File: from, Message: "graph file " + path, Err: err}
		}
		if done[canon] {
			return nil
		}
		if i := slices.Index(visiting, canon); i >= 0 {
			chain := append(slices.Clone(visiting[i:]), canon)
			return &LoadError{Code: ErrCodeInclude, File: from, Message: "include cycle: " + strings.Join(chain, " -> ")}
		}
		doc, err := s.parse(canon)
		if err != nil {
			return err
		}
		visiting = append(visiting, canon)
		for _, inc := range doc.Include {
			if err := visit(resolve(filepath.Dir(canon), inc), canon); err != nil {
				return err
			}
		}
		visiting = visiting[:len(visiting)-1]
		done[canon] = true
		order = append(order, doc)
		return nil
	}
	if err := visit(path, ""); err != nil {
		return nil, err
	}
	return order, nil
}

func (s *Session) parse(canon string) (*document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc, ok := s.parsed[canon]; ok {
		s.logger.Debug("graph file cached", "file", canon)
		return doc, nil
	}
	data, err := os.ReadFile(canon)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeNotFound, File: canon, Message: "read graph file", Err: err}
	}
	var doc *document
	switch strings.ToLower(filepath.Ext(canon)) {
	case ".yaml", ".yml":
		doc, err = parseYAML(canon, data)
	case ".cue":
		doc, err = parseCUE(canon, data)
	default:
		return nil, &LoadError{Code: ErrCodeUnsupported, File: canon, Message: "unsupported graph file extension " + filepath.Ext(canon)}
	}
	if err != nil {
		return nil, err
	}
	s.parsed[canon] = doc
	s.logger.Debug("graph file parsed", "file", canon, "pips", len(doc.Pips), "seals", len(doc.Seals))
	return doc, nil
}

// assemble feeds the documents to a builder. Pips are added producers
// first, so a file may list them in any order.
func (s *Session) assemble(docs []*document) (*pipgraph.Graph, error) {
	b := pipgraph.NewBuilder(
		pipgraph.WithPlatformDefaults(pipgraph.DefaultsFor(s.platform, s.home)),
		pipgraph.WithLogger(s.logger),
	)

	for _, doc := range docs {
		dir := filepath.Dir(doc.Path)
		for _, src := range doc.Sources {
			if err := b.AddSourceFile(resolve(dir, src)); err != nil {
				return nil, &LoadError{Code: ErrCodeGraph, File: doc.Path, Message: "source " + src, Err: err}
			}
		}
	}

	seals := make(map[string]pipgraph.DirectoryArtifact)
	for _, doc := range docs {
		dir := filepath.Dir(doc.Path)
		for _, sd := range doc.Seals {
			if sd.Name == "" {
				return nil, &LoadError{Code: ErrCodeInvalid, File: doc.Path, Line: sd.line, Message: "seal without a name"}
			}
			if _, dup := seals[sd.Name]; dup {
				return nil, &LoadError{Code: ErrCodeInvalid, File: doc.Path, Line: sd.line, Message: "duplicate seal " + sd.Name}
			}
			kind, err := pipgraph.ParseSealKind(sd.Kind)
			if err != nil {
				return nil, &LoadError{Code: ErrCodeInvalid, File: doc.Path, Line: sd.line, Message: "seal " + sd.Name, Err: err}
			}
			art, err := b.AddSealDirectory(pipgraph.SealDirectory{
				Root:     resolve(dir, sd.Root),
				Kind:     kind,
				Contents: resolveAll(dir, sd.Contents),
				Patterns: sd.Patterns,
				Provenance: pipgraph.Provenance{
					SpecFile:    doc.Path,
					Line:        sd.line,
					Description: sd.Description,
				},
			})
			if err != nil {
				return nil, &LoadError{Code: ErrCodeGraph, File: doc.Path, Line: sd.line, Message: "seal " + sd.Name, Err: err}
			}
			seals[sd.Name] = art
		}
	}

	entries, err := orderPips(docs)
	if err != nil {
		return nil, err
	}
	ids := make(map[string]pipgraph.PipID, len(entries))
	for _, e := range entries {
		p, err := e.pip(seals)
		if err != nil {
			return nil, err
		}
		id, err := b.AddPip(p)
		if err != nil {
			return nil, &LoadError{Code: ErrCodeGraph, File: e.doc.Path, Line: e.pd.line, Message: "pip " + e.label(), Err: err}
		}
		if e.pd.Name != "" {
			if _, dup := ids[e.pd.Name]; dup {
				return nil, &LoadError{Code: ErrCodeInvalid, File: e.doc.Path, Line: e.pd.line, Message: "duplicate pip name " + e.pd.Name}
			}
			ids[e.pd.Name] = id
		}
	}
	for _, e := range entries {
		for _, name := range e.pd.After {
			before, ok := ids[name]
			if !ok {
				return nil, &LoadError{Code: ErrCodeInvalid, File: e.doc.Path, Line: e.pd.line, Message: fmt.Sprintf("pip %s: after unknown pip %q", e.label(), name)}
			}
			if err := b.AddOrderDependency(before, ids[e.pd.Name]); err != nil {
				return nil, &LoadError{Code: ErrCodeGraph, File: e.doc.Path, Line: e.pd.line, Message: "pip " + e.label(), Err: err}
			}
		}
	}

	g, err := b.Seal()
	if err != nil {
		return nil, &LoadError{Code: ErrCodeGraph, Message: "seal graph", Err: err}
	}
	return g, nil
}

// entry is a pip declaration with the file it came from.
type entry struct {
	doc *document
	pd  *pipDoc
}

func (e entry) label() string {
	if e.pd.Name != "" {
		return e.pd.Name
	}
	return filepath.Base(e.pd.Executable)
}

func (e entry) pip(seals map[string]pipgraph.DirectoryArtifact) (pipgraph.Pip, error) {
	pd := e.pd
	dir := filepath.Dir(e.doc.Path)
	fail := func(msg string, err error) (pipgraph.Pip, error) {
		return pipgraph.Pip{}, &LoadError{Code: ErrCodeInvalid, File: e.doc.Path, Line: pd.line, Message: "pip " + e.label() + ": " + msg, Err: err}
	}

	exe, err := executable(dir, pd.Executable)
	if err != nil {
		return fail("executable", err)
	}
	timeout, err := pd.timeout()
	if err != nil {
		return fail("invalid timeout", err)
	}
	if len(pd.After) > 0 && pd.Name == "" {
		return fail("after requires a name", nil)
	}

	p := pipgraph.Pip{
		Name:              pd.Name,
		Executable:        exe,
		Arguments:         pd.Arguments,
		Environment:       pd.Environment,
		Inputs:            resolveAll(dir, pd.Inputs),
		Outputs:           resolveAll(dir, pd.Outputs),
		OutputDirectories: resolveAll(dir, pd.OutputDirectories),
		UntrackedFiles:    resolveAll(dir, pd.UntrackedFiles),
		UntrackedScopes:   resolveAll(dir, pd.UntrackedScopes),
		Timeout:           timeout,
		Provenance: pipgraph.Provenance{
			SpecFile:    e.doc.Path,
			Line:        pd.line,
			Description: pd.Description,
			Tags:        pd.Tags,
		},
	}
	if pd.WorkingDir != "" {
		p.WorkingDir = resolve(dir, pd.WorkingDir)
	}
	for _, name := range pd.InputSeals {
		art, ok := seals[name]
		if !ok {
			return fail(fmt.Sprintf("unknown seal %q", name), nil)
		}
		p.InputDirectories = append(p.InputDirectories, art)
	}
	if pd.DependsOnOS {
		p.Options |= pipgraph.DependsOnCurrentOS
	}
	if pd.TolerateUndeclared {
		p.Options |= pipgraph.TolerateUndeclaredAccess
	}
	return p, nil
}

// orderPips returns every pip declaration with producers before consumers.
// Declaration order is kept wherever data edges allow it. A cycle through
// data edges is reported here, since the builder would only see its
// consumer as unsatisfied.
func orderPips(docs []*document) ([]entry, error) {
	var all []entry
	producer := make(map[string]int)
	for _, doc := range docs {
		dir := filepath.Dir(doc.Path)
		for i := range doc.Pips {
			pd := &doc.Pips[i]
			for _, out := range pd.Outputs {
				producer[resolve(dir, out)] = len(all)
			}
			all = append(all, entry{doc: doc, pd: pd})
		}
	}

	const (
		unvisited = iota
		active
		placed
	)
	marks := make([]int, len(all))
	out := make([]entry, 0, len(all))
	var place func(i int, stack []string) error
	place = func(i int, stack []string) error {
		switch marks[i] {
		case placed:
			return nil
		case active:
			e := all[i]
			cycle := append(stack, e.label())
			return &LoadError{
				Code:    ErrCodeGraph,
				File:    e.doc.Path,
				Line:    e.pd.line,
				Message: "pip " + e.label(),
				Err:     &pipgraph.GraphError{Kind: pipgraph.ErrCycleDetected, Pip: e.label(), Cycle: cycle},
			}
		}
		marks[i] = active
		e := all[i]
		dir := filepath.Dir(e.doc.Path)
		for _, in := range e.pd.Inputs {
			if j, ok := producer[resolve(dir, in)]; ok && j != i {
				if err := place(j, append(stack, e.label())); err != nil {
					return err
				}
			}
		}
		marks[i] = placed
		out = append(out, e)
		return nil
	}
	for i := range all {
		if err := place(i, nil); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// canonical returns the absolute, symlink-free form of path.
func canonical(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

func resolve(dir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(dir, path)
}

func resolveAll(dir string, paths []string) []string {
	if len(paths) == 0 {
		return nil
	}
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = resolve(dir, p)
	}
	return out
}

// executable resolves a bare command name on PATH and anything else
// against dir.
func executable(dir, name string) (string, error) {
	switch {
	case name == "":
		return "", errors.New("missing")
	case filepath.IsAbs(name):
		return filepath.Clean(name), nil
	case !strings.ContainsRune(name, filepath.Separator):
		p, err := exec.LookPath(name)
		if err != nil {
			return "", err
		}
		return filepath.Abs(p)
	default:
		return resolve(dir, name), nil
	}
}
