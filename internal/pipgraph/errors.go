package pipgraph

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCycleDetected is returned when an addition would close a cycle.
	ErrCycleDetected = errors.New("cycle detected")
	// ErrUnsatisfiedDependency is returned when a declared input has no
	// producer, source registration, or covering seal directory.
	ErrUnsatisfiedDependency = errors.New("unsatisfied dependency")
	// ErrGraphAlreadySealed is returned by every mutation after Seal.
	ErrGraphAlreadySealed = errors.New("graph already sealed")
	// ErrDuplicateProducer is returned when two pips declare the same output,
	// or a pip declares a registered source file as output.
	ErrDuplicateProducer = errors.New("duplicate producer")
	// ErrInvalidPip is returned for malformed pips or seal directories.
	ErrInvalidPip = errors.New("invalid pip")
)

// GraphError wraps a graph construction failure with the pip and path
// involved. Kind is one of the sentinel errors above.
type GraphError struct {
	Kind  error
	Pip   string
	Path  string
	Cycle []string
	Msg   string
}

func (e *GraphError) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Pip != "" {
		fmt.Fprintf(&b, ": pip %s", e.Pip)
	}
	if e.Path != "" {
		fmt.Fprintf(&b, ": path %s", e.Path)
	}
	if len(e.Cycle) > 0 {
		fmt.Fprintf(&b, ": %s", strings.Join(e.Cycle, " -> "))
	}
	if e.Msg != "" {
		fmt.Fprintf(&b, ": %s", e.Msg)
	}
	return b.String()
}

func (e *GraphError) Unwrap() error { return e.Kind }

// IsGraphError reports whether err is a graph construction error.
func IsGraphError(err error) bool {
	var ge *GraphError
	return errors.As(err, &ge)
}

func invalidf(pip, format string, args ...any) error {
	return &GraphError{Kind: ErrInvalidPip, Pip: pip, Msg: fmt.Sprintf(format, args...)}
}

func unsatisfied(pip, path string) error {
	return &GraphError{Kind: ErrUnsatisfiedDependency, Pip: pip, Path: path}
}

func duplicateProducer(pip, path, existing string) error {
	msg := "already a registered source file"
	if existing != "" {
		msg = "already produced by " + existing
	}
	return &GraphError{Kind: ErrDuplicateProducer, Pip: pip, Path: path, Msg: msg}
}

func cycleError(pip, path string, cycle []string) error {
	return &GraphError{Kind: ErrCycleDetected, Pip: pip, Path: path, Cycle: cycle}
}

func sealedError() error {
	return &GraphError{Kind: ErrGraphAlreadySealed}
}
