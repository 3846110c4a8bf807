package pipgraph

import (
	"fmt"
	"log/slog"
	"slices"
)

// Builder accumulates pips and seal directories. It is not safe for
// concurrent use. Every method validates fully before mutating, so a failed
// call leaves the builder exactly as it was.
type Builder struct {
	logger   *slog.Logger
	defaults PlatformDefaults

	pips     []Pip
	seals    []SealDirectory
	sealDeps [][]PipID

	producers  map[string]PipID
	outputDirs map[string]PipID
	sources    map[string]struct{}

	dag order

	// defaultSeals is nil until a DependsOnCurrentOS pip first needs it.
	defaultSeals []DirectoryArtifact
	sealed       bool
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithPlatformDefaults injects the OS defaults merged into pips that set
// DependsOnCurrentOS. Without it those pips get nothing extra.
func WithPlatformDefaults(d PlatformDefaults) BuilderOption {
	return func(b *Builder) { b.defaults = d }
}

// WithLogger sets the builder's logger.
func WithLogger(l *slog.Logger) BuilderOption {
	return func(b *Builder) { b.logger = l }
}

// NewBuilder returns an empty builder.
func NewBuilder(opts ...BuilderOption) *Builder {
	b := &Builder{
		logger:     slog.Default(),
		producers:  make(map[string]PipID),
		outputDirs: make(map[string]PipID),
		sources:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Len returns the number of pips added so far.
func (b *Builder) Len() int { return len(b.pips) }

// AddSourceFile registers path as a source file that pips may consume
// without a producer.
func (b *Builder) AddSourceFile(path string) error {
	if b.sealed {
		return sealedError()
	}
	clean, ok := cleanAbs(path)
	if !ok {
		return invalidf("", "source file %q is not an absolute path", path)
	}
	if id, ok := b.producers[clean]; ok {
		return &GraphError{Kind: ErrDuplicateProducer, Path: clean, Msg: "already produced by " + b.pip(id).Label()}
	}
	b.sources[clean] = struct{}{}
	return nil
}

// AddSealDirectory adds a seal directory. The contents of a full seal must
// each be satisfied the same way a pip input is; pips consuming the seal
// then depend on the producers of those contents.
func (b *Builder) AddSealDirectory(s SealDirectory) (DirectoryArtifact, error) {
	if b.sealed {
		return DirectoryArtifact{}, sealedError()
	}
	label := "seal " + s.Root
	root, ok := cleanAbs(s.Root)
	if !ok {
		return DirectoryArtifact{}, invalidf(label, "root is not an absolute path")
	}
	if s.Kind != SealFull && !s.Kind.IsSource() {
		return DirectoryArtifact{}, invalidf(label, "unknown seal kind %d", s.Kind)
	}
	contents := make([]string, 0, len(s.Contents))
	for _, c := range s.Contents {
		clean, ok := cleanAbs(c)
		if !ok || clean == root || !IsWithin(clean, root) {
			return DirectoryArtifact{}, invalidf(label, "content %q is not under the seal root", c)
		}
		contents = append(contents, clean)
	}
	slices.Sort(contents)
	contents = slices.Compact(contents)

	var deps []PipID
	if s.Kind == SealFull {
		for _, c := range contents {
			dep, ok, err := b.resolve(label, c, nil)
			if err != nil {
				return DirectoryArtifact{}, err
			}
			if ok {
				deps = append(deps, dep)
			}
		}
	}

	s.Root = root
	s.Contents = contents
	s.Patterns = slices.Clone(s.Patterns)
	b.seals = append(b.seals, s)
	b.sealDeps = append(b.sealDeps, uniqueSorted(deps))
	artifact := DirectoryArtifact{Path: root, SealID: SealID(len(b.seals))}
	b.logger.Debug("seal directory added", "root", root, "kind", s.Kind, "contents", len(contents))
	return artifact, nil
}

// AddPip validates p and adds it to the graph, returning its assigned ID.
func (b *Builder) AddPip(p Pip) (PipID, error) {
	if b.sealed {
		return InvalidPipID, sealedError()
	}
	p = p.clone()
	label := p.Label()
	if err := normalizePip(&p, label); err != nil {
		return InvalidPipID, err
	}

	var pending []SealDirectory
	if p.Options.Has(DependsOnCurrentOS) {
		pending = b.mergeDefaults(&p)
	}

	if err := b.checkOutputs(&p, label); err != nil {
		return InvalidPipID, err
	}

	var deps []PipID
	for _, in := range p.Inputs {
		if p.IsDeclaredOutput(in) {
			return InvalidPipID, cycleError(label, in, []string{label, label})
		}
		dep, ok, err := b.resolve(label, in, pending)
		if err != nil {
			return InvalidPipID, err
		}
		if ok {
			deps = append(deps, dep)
		}
	}
	for _, dir := range p.InputDirectories {
		idx := int(dir.SealID) - 1
		switch {
		case idx < 0 || idx >= len(b.seals)+len(pending):
			return InvalidPipID, unsatisfied(label, dir.Path)
		case idx < len(b.seals):
			if b.seals[idx].Root != dir.Path {
				return InvalidPipID, invalidf(label, "directory artifact %s does not match seal %d", dir.Path, dir.SealID)
			}
			deps = append(deps, b.sealDeps[idx]...)
		}
	}

	// Commit.
	id := PipID(len(b.pips) + 1)
	p.ID = id
	if len(pending) > 0 {
		for _, s := range pending {
			b.seals = append(b.seals, s)
			b.sealDeps = append(b.sealDeps, nil)
			b.defaultSeals = append(b.defaultSeals, DirectoryArtifact{Path: s.Root, SealID: SealID(len(b.seals))})
		}
	}
	b.pips = append(b.pips, p)
	b.dag.addNode(uniqueSorted(deps))
	for _, out := range p.Outputs {
		b.producers[out] = id
	}
	for _, dir := range p.OutputDirectories {
		b.outputDirs[dir] = id
	}
	b.logger.Debug("pip added", "pip", id, "name", label, "deps", len(b.dag.pred[id-1]))
	return id, nil
}

// AddOrderDependency makes after wait for before without a data edge. The
// builder keeps an incremental topological order; an edge that would close
// a cycle fails with ErrCycleDetected and leaves the graph unchanged.
func (b *Builder) AddOrderDependency(before, after PipID) error {
	if b.sealed {
		return sealedError()
	}
	if !b.valid(before) || !b.valid(after) {
		return invalidf("", "unknown pip in order dependency %s -> %s", before, after)
	}
	if before == after {
		l := b.pip(before).Label()
		return cycleError(l, "", []string{l, l})
	}
	if path := b.dag.addEdge(before, after); path != nil {
		names := make([]string, len(path))
		for i, id := range path {
			names[i] = b.pip(id).Label()
		}
		return cycleError(b.pip(after).Label(), "", names)
	}
	return nil
}

// Seal certifies acyclicity and returns the immutable graph. The builder
// rejects every mutation afterwards.
func (b *Builder) Seal() (*Graph, error) {
	if b.sealed {
		return nil, sealedError()
	}
	topo, err := b.dag.kahn()
	if err != nil {
		cycle := b.dag.findCycle()
		names := make([]string, len(cycle))
		for i, id := range cycle {
			names[i] = b.pip(id).Label()
		}
		return nil, cycleError("", "", names)
	}
	g := newGraph(b, topo)
	b.sealed = true
	b.logger.Debug("graph sealed", "pips", len(b.pips), "seals", len(b.seals), "hash", g.Hash())
	return g, nil
}

func (b *Builder) valid(id PipID) bool {
	return id != InvalidPipID && int(id) <= len(b.pips)
}

func (b *Builder) pip(id PipID) *Pip {
	return &b.pips[id-1]
}

// resolve finds what satisfies path as an input. It returns the producing
// pip when there is one; ok is false for sources and seal-covered paths.
func (b *Builder) resolve(label, path string, pending []SealDirectory) (PipID, bool, error) {
	if id, found := b.producers[path]; found {
		return id, true, nil
	}
	if id, found := b.outputDirOwner(path); found {
		return id, true, nil
	}
	if _, found := b.sources[path]; found {
		return InvalidPipID, false, nil
	}
	for i := range b.seals {
		if b.seals[i].Covers(path) {
			return InvalidPipID, false, nil
		}
	}
	for i := range pending {
		if pending[i].Covers(path) {
			return InvalidPipID, false, nil
		}
	}
	return InvalidPipID, false, unsatisfied(label, path)
}

func (b *Builder) outputDirOwner(path string) (PipID, bool) {
	for dir, id := range b.outputDirs {
		if IsWithin(path, dir) {
			return id, true
		}
	}
	return InvalidPipID, false
}

func (b *Builder) checkOutputs(p *Pip, label string) error {
	if len(p.Outputs) == 0 && len(p.OutputDirectories) == 0 {
		return invalidf(label, "declares no outputs")
	}
	for _, out := range p.Outputs {
		if id, ok := b.producers[out]; ok {
			return duplicateProducer(label, out, b.pip(id).Label())
		}
		if id, ok := b.outputDirOwner(out); ok {
			return duplicateProducer(label, out, b.pip(id).Label())
		}
		if _, ok := b.sources[out]; ok {
			return duplicateProducer(label, out, "")
		}
	}
	for _, dir := range p.OutputDirectories {
		for other, id := range b.outputDirs {
			if IsWithin(dir, other) || IsWithin(other, dir) {
				return duplicateProducer(label, dir, b.pip(id).Label())
			}
		}
		for out, id := range b.producers {
			if IsWithin(out, dir) {
				return duplicateProducer(label, out, b.pip(id).Label())
			}
		}
	}
	return nil
}

// mergeDefaults adds the platform defaults to p. Default source seals that
// do not exist yet are returned as pending; AddPip commits them only if the
// pip itself is accepted.
func (b *Builder) mergeDefaults(p *Pip) []SealDirectory {
	if b.defaults.IsEmpty() {
		return nil
	}
	var pending []SealDirectory
	if b.defaultSeals == nil {
		for i, root := range b.defaults.InputSealRoots {
			pending = append(pending, SealDirectory{
				Root: root,
				Kind: SealSourceAllDirectories,
				Provenance: Provenance{
					Description: fmt.Sprintf("%s default input", b.defaults.Platform),
				},
			})
			p.InputDirectories = append(p.InputDirectories, DirectoryArtifact{
				Path:   root,
				SealID: SealID(len(b.seals) + i + 1),
			})
		}
	} else {
		p.InputDirectories = append(p.InputDirectories, b.defaultSeals...)
	}
	p.UntrackedFiles = mergeSorted(p.UntrackedFiles, b.defaults.UntrackedFiles)
	p.UntrackedScopes = mergeSorted(p.UntrackedScopes, b.defaults.UntrackedScopes)
	return pending
}

func normalizePip(p *Pip, label string) error {
	exe, ok := cleanAbs(p.Executable)
	if !ok {
		return invalidf(label, "executable %q is not an absolute path", p.Executable)
	}
	p.Executable = exe
	if p.WorkingDir != "" {
		wd, ok := cleanAbs(p.WorkingDir)
		if !ok {
			return invalidf(label, "working directory %q is not an absolute path", p.WorkingDir)
		}
		p.WorkingDir = wd
	}
	if p.Timeout < 0 {
		return invalidf(label, "negative timeout %s", p.Timeout)
	}

	var err error
	fields := []struct {
		name string
		dst  *[]string
	}{
		{"input", &p.Inputs},
		{"output", &p.Outputs},
		{"output directory", &p.OutputDirectories},
		{"untracked file", &p.UntrackedFiles},
		{"untracked scope", &p.UntrackedScopes},
	}
	for _, f := range fields {
		if *f.dst, err = cleanSet(*f.dst, label, f.name); err != nil {
			return err
		}
	}
	return nil
}

func cleanSet(paths []string, label, what string) ([]string, error) {
	out := make([]string, 0, len(paths))
	for _, path := range paths {
		clean, ok := cleanAbs(path)
		if !ok {
			return nil, invalidf(label, "%s %q is not an absolute path", what, path)
		}
		out = append(out, clean)
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

func mergeSorted(a, b []string) []string {
	out := append(slices.Clone(a), b...)
	slices.Sort(out)
	return slices.Compact(out)
}

func uniqueSorted(ids []PipID) []PipID {
	slices.Sort(ids)
	return slices.Compact(ids)
}
