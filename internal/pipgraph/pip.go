package pipgraph

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// PipID identifies a pip within one graph. IDs are assigned densely from 1
// in insertion order; the zero value is never a valid pip.
type PipID uint32

// InvalidPipID is the zero PipID.
const InvalidPipID PipID = 0

func (id PipID) String() string {
	return fmt.Sprintf("Pip%04d", uint32(id))
}

// Options are per-pip behavior flags.
type Options uint8

const (
	// DependsOnCurrentOS merges the builder's platform defaults into the pip.
	DependsOnCurrentOS Options = 1 << iota
	// TolerateUndeclaredAccess downgrades undeclared accesses to warnings.
	TolerateUndeclaredAccess
)

// Has reports whether all bits in flag are set.
func (o Options) Has(flag Options) bool { return o&flag == flag }

// Provenance records where a pip or seal directory came from.
type Provenance struct {
	Module      string   `json:"module,omitempty"`
	SpecFile    string   `json:"spec_file,omitempty"`
	Line        int      `json:"line,omitempty"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// Location renders "file:line" or "" when unknown.
func (p Provenance) Location() string {
	switch {
	case p.SpecFile == "":
		return ""
	case p.Line > 0:
		return fmt.Sprintf("%s:%d", p.SpecFile, p.Line)
	default:
		return p.SpecFile
	}
}

// Pip is one build step: a process invocation with declared inputs and
// outputs. All paths are absolute and cleaned by AddPip.
type Pip struct {
	ID   PipID  `json:"id"`
	Name string `json:"name"`

	Executable  string            `json:"executable"`
	Arguments   []string          `json:"arguments,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
	WorkingDir  string            `json:"working_dir,omitempty"`

	Inputs            []string            `json:"inputs,omitempty"`
	InputDirectories  []DirectoryArtifact `json:"input_directories,omitempty"`
	Outputs           []string            `json:"outputs,omitempty"`
	OutputDirectories []string            `json:"output_directories,omitempty"`

	UntrackedFiles  []string `json:"untracked_files,omitempty"`
	UntrackedScopes []string `json:"untracked_scopes,omitempty"`

	Options    Options       `json:"options,omitempty"`
	Timeout    time.Duration `json:"timeout,omitempty"`
	Provenance Provenance    `json:"provenance"`
}

// IsUntracked reports whether path is an untracked file of the pip or lies
// within one of its untracked scopes.
func (p *Pip) IsUntracked(path string) bool {
	if slices.Contains(p.UntrackedFiles, path) {
		return true
	}
	for _, scope := range p.UntrackedScopes {
		if IsWithin(path, scope) {
			return true
		}
	}
	return false
}

// IsDeclaredOutput reports whether path is a declared output file or lies
// within a declared output directory.
func (p *Pip) IsDeclaredOutput(path string) bool {
	if slices.Contains(p.Outputs, path) {
		return true
	}
	for _, dir := range p.OutputDirectories {
		if IsWithin(path, dir) {
			return true
		}
	}
	return false
}

// IsDeclaredInput reports whether path is a declared input file.
func (p *Pip) IsDeclaredInput(path string) bool {
	return slices.Contains(p.Inputs, path)
}

// Label names the pip in messages: its Name, else the executable's base name.
func (p *Pip) Label() string {
	if p.Name != "" {
		return p.Name
	}
	return filepath.Base(p.Executable)
}

// clone returns a deep copy so callers cannot mutate committed pips.
func (p Pip) clone() Pip {
	p.Arguments = slices.Clone(p.Arguments)
	if p.Environment != nil {
		env := make(map[string]string, len(p.Environment))
		for k, v := range p.Environment {
			env[k] = v
		}
		p.Environment = env
	}
	p.Inputs = slices.Clone(p.Inputs)
	p.InputDirectories = slices.Clone(p.InputDirectories)
	p.Outputs = slices.Clone(p.Outputs)
	p.OutputDirectories = slices.Clone(p.OutputDirectories)
	p.UntrackedFiles = slices.Clone(p.UntrackedFiles)
	p.UntrackedScopes = slices.Clone(p.UntrackedScopes)
	p.Provenance.Tags = slices.Clone(p.Provenance.Tags)
	return p
}

// SealKind describes what a seal directory covers.
type SealKind uint8

const (
	// SealSourceAllDirectories covers every file under the root, recursively.
	SealSourceAllDirectories SealKind = iota + 1
	// SealSourceTopDirectoryOnly covers files directly inside the root.
	SealSourceTopDirectoryOnly
	// SealFull covers exactly the listed contents.
	SealFull
)

func (k SealKind) String() string {
	switch k {
	case SealSourceAllDirectories:
		return "source_all"
	case SealSourceTopDirectoryOnly:
		return "source_top"
	case SealFull:
		return "full"
	default:
		return "unknown"
	}
}

// ParseSealKind is the inverse of SealKind.String.
func ParseSealKind(s string) (SealKind, error) {
	switch s {
	case "source_all", "":
		return SealSourceAllDirectories, nil
	case "source_top":
		return SealSourceTopDirectoryOnly, nil
	case "full":
		return SealFull, nil
	default:
		return 0, fmt.Errorf("unknown seal kind %q", s)
	}
}

// IsSource reports whether the kind is one of the source-seal kinds.
func (k SealKind) IsSource() bool {
	return k == SealSourceAllDirectories || k == SealSourceTopDirectoryOnly
}

// SealID identifies a seal directory within one graph.
type SealID uint32

// SealDirectory is a read-only view of a directory's contents captured at
// seal time. For source seals an empty Contents means "anything under Root".
type SealDirectory struct {
	Root       string     `json:"root"`
	Kind       SealKind   `json:"kind"`
	Contents   []string   `json:"contents,omitempty"`
	Patterns   []string   `json:"patterns,omitempty"`
	Provenance Provenance `json:"provenance"`
}

// Covers reports whether path is part of the sealed view.
func (s *SealDirectory) Covers(path string) bool {
	if len(s.Contents) > 0 {
		if _, found := slices.BinarySearch(s.Contents, path); found {
			return true
		}
		if s.Kind == SealFull {
			return false
		}
	}
	switch s.Kind {
	case SealSourceAllDirectories:
		if path == s.Root || !IsWithin(path, s.Root) {
			return false
		}
	case SealSourceTopDirectoryOnly:
		if filepath.Dir(path) != s.Root {
			return false
		}
	default:
		return false
	}
	return s.matchesPatterns(path)
}

func (s *SealDirectory) matchesPatterns(path string) bool {
	if len(s.Patterns) == 0 {
		return true
	}
	base := filepath.Base(path)
	for _, pattern := range s.Patterns {
		if ok, _ := filepath.Match(pattern, base); ok {
			return true
		}
	}
	return false
}

// DirectoryArtifact references a seal directory added to a builder.
type DirectoryArtifact struct {
	Path   string `json:"path"`
	SealID SealID `json:"seal_id"`
}

// IsValid reports whether the artifact was returned by AddSealDirectory.
func (d DirectoryArtifact) IsValid() bool { return d.SealID != 0 }

// IsWithin reports whether path equals dir or lies beneath it. Both must be
// clean absolute paths.
func IsWithin(path, dir string) bool {
	if path == dir {
		return true
	}
	if dir == string(filepath.Separator) {
		return strings.HasPrefix(path, dir)
	}
	return strings.HasPrefix(path, dir) && path[len(dir)] == filepath.Separator
}

func cleanAbs(path string) (string, bool) {
	if path == "" || !filepath.IsAbs(path) {
		return "", false
	}
	return filepath.Clean(path), true
}
