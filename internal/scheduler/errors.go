package scheduler

import (
	"errors"
	"fmt"

	"github.com/roach88/hermetic/internal/fingerprint"
	"github.com/roach88/hermetic/internal/pipgraph"
)

var (
	// ErrUndeclaredAccess means the sandbox observed an access outside the
	// pip's declarations.
	ErrUndeclaredAccess = errors.New("undeclared file access")
	// ErrProcessFailed means the pip's process exited non-zero.
	ErrProcessFailed = errors.New("process failed")
	// ErrMissingOutput means a declared output was not produced.
	ErrMissingOutput = errors.New("declared output missing")
	// ErrDependencyFailed is the cause recorded on skipped pips.
	ErrDependencyFailed = errors.New("dependency failed")
	// ErrCanceled marks pips skipped or stopped by build cancellation.
	ErrCanceled = errors.New("build canceled")
)

// PipErrorCode categorizes pip failures.
type PipErrorCode string

const (
	ErrCodeUndeclaredAccess PipErrorCode = "UNDECLARED_ACCESS"
	ErrCodeProcessFailed    PipErrorCode = "PROCESS_FAILED"
	ErrCodeMissingOutput    PipErrorCode = "MISSING_OUTPUT"
	ErrCodeSandboxTimeout   PipErrorCode = "SANDBOX_TIMEOUT"
	ErrCodeSandbox          PipErrorCode = "SANDBOX"
	ErrCodeContentMismatch  PipErrorCode = "CONTENT_MISMATCH"
	ErrCodeStore            PipErrorCode = "STORE"
	ErrCodeCanceled         PipErrorCode = "CANCELED"
	ErrCodeDependency       PipErrorCode = "DEPENDENCY_FAILED"
)

// PipError is the failure or skip cause of one pip.
type PipError struct {
	Code PipErrorCode
	Pip  pipgraph.PipID
	Name string
	// Location is the pip's provenance ("file:line"), if known.
	Location string
	// Path is the offending path, if the failure is about one.
	Path string
	Msg  string
	// Violations lists every undeclared access for ErrCodeUndeclaredAccess.
	Violations []fingerprint.Violation
	Err        error
}

func (e *PipError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Name)
	if e.Location != "" {
		msg += " (" + e.Location + ")"
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Path != "" {
		msg += ": " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the code's sentinel and the underlying cause.
func (e *PipError) Unwrap() []error {
	var errs []error
	if s := e.sentinel(); s != nil {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func (e *PipError) sentinel() error {
	switch e.Code {
	case ErrCodeUndeclaredAccess:
		return ErrUndeclaredAccess
	case ErrCodeProcessFailed:
		return ErrProcessFailed
	case ErrCodeMissingOutput:
		return ErrMissingOutput
	case ErrCodeDependency:
		return ErrDependencyFailed
	case ErrCodeCanceled:
		return ErrCanceled
	default:
		return nil
	}
}

// IsUndeclaredAccess reports whether err is an undeclared-access failure.
func IsUndeclaredAccess(err error) bool {
	return errors.Is(err, ErrUndeclaredAccess)
}

// CodeOf returns the PipErrorCode carried by err, or "".
func CodeOf(err error) PipErrorCode {
	var pe *PipError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

func newPipError(p *pipgraph.Pip, code PipErrorCode, msg string, err error) *PipError {
	return &PipError{
		Code:     code,
		Pip:      p.ID,
		Name:     p.Label(),
		Location: p.Provenance.Location(),
		Msg:      msg,
		Err:      err,
	}
}
