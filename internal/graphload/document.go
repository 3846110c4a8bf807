package graphload

import (
	"fmt"
	"time"

	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

// document is one parsed graph file.
type document struct {
	Path    string    `json:"-" yaml:"-"`
	Include []string  `json:"include,omitempty" yaml:"include"`
	Sources []string  `json:"sources,omitempty" yaml:"sources"`
	Seals   []sealDoc `json:"seals,omitempty" yaml:"seals"`
	Pips    []pipDoc  `json:"pips,omitempty" yaml:"pips"`
}

type sealDoc struct {
	Name        string   `json:"name" yaml:"name"`
	Root        string   `json:"root" yaml:"root"`
	Kind        string   `json:"kind,omitempty" yaml:"kind"`
	Contents    []string `json:"contents,omitempty" yaml:"contents"`
	Patterns    []string `json:"patterns,omitempty" yaml:"patterns"`
	Description string   `json:"description,omitempty" yaml:"description"`

	line int
}

type pipDoc struct {
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description,omitempty" yaml:"description"`
	Tags        []string          `json:"tags,omitempty" yaml:"tags"`
	Executable  string            `json:"executable" yaml:"executable"`
	Arguments   []string          `json:"arguments,omitempty" yaml:"arguments"`
	Environment map[string]string `json:"environment,omitempty" yaml:"environment"`
	WorkingDir  string            `json:"working_dir,omitempty" yaml:"working_dir"`

	Inputs            []string `json:"inputs,omitempty" yaml:"inputs"`
	InputSeals        []string `json:"input_seals,omitempty" yaml:"input_seals"`
	Outputs           []string `json:"outputs,omitempty" yaml:"outputs"`
	OutputDirectories []string `json:"output_directories,omitempty" yaml:"output_directories"`
	UntrackedFiles    []string `json:"untracked_files,omitempty" yaml:"untracked_files"`
	UntrackedScopes   []string `json:"untracked_scopes,omitempty" yaml:"untracked_scopes"`
	After             []string `json:"after,omitempty" yaml:"after"`

	DependsOnOS        bool   `json:"depends_on_os,omitempty" yaml:"depends_on_os"`
	TolerateUndeclared bool   `json:"tolerate_undeclared,omitempty" yaml:"tolerate_undeclared"`
	Timeout            string `json:"timeout,omitempty" yaml:"timeout"`

	line int
}

func (p *pipDoc) timeout() (time.Duration, error) {
	if p.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(p.Timeout)
	if err != nil {
		return 0, fmt.Errorf("timeout: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("timeout: negative duration %s", p.Timeout)
	}
	return d, nil
}

// Error codes carried by LoadError.
const (
	ErrCodeNotFound    = "E005"
	ErrCodeParse       = "E004"
	ErrCodeFormat      = "E008"
	ErrCodeInclude     = "E009"
	ErrCodeInvalid     = "E201"
	ErrCodeGraph       = "E202"
	ErrCodeUnsupported = "E203"
)

// LoadError is a graph file problem with its position, when known.
type LoadError struct {
	Code    string
	File    string
	Line    int
	Message string
	Err     error
}

func (e *LoadError) Error() string {
	msg := e.Code + ": " + e.Message
	switch {
	case e.File != "" && e.Line > 0:
		msg = fmt.Sprintf("%s:%d: %s", e.File, e.Line, msg)
	case e.File != "":
		msg = e.File + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LoadError) Unwrap() error { return e.Err }

// cueLoadError keeps the first positioned error from a CUE error list.
func cueLoadError(file string, err error) *LoadError {
	le := &LoadError{Code: ErrCodeParse, File: file, Message: "invalid CUE"}
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		le.Err = err
		return le
	}
	first := errs[0]
	le.Message = first.Error()
	if pos := cueerrors.Positions(first); len(pos) > 0 && pos[0] != token.NoPos {
		le.Line = pos[0].Line()
	}
	return le
}
