package sandbox

import (
	"errors"
	"fmt"

	"github.com/roach88/hermetic/internal/pipgraph"
)

var (
	// ErrAttachFailed means the monitor could not observe the process. The
	// process is killed before it can do unobserved work.
	ErrAttachFailed = errors.New("sandbox attach failed")
	// ErrSandboxTimeout means the pip exceeded its wall-clock deadline or its
	// report channel went silent for longer than the drought timeout.
	ErrSandboxTimeout = errors.New("sandbox timeout")
	// ErrStartFailed means the process could not be started at all.
	ErrStartFailed = errors.New("process start failed")
)

// SandboxError carries the pip a sandbox failure belongs to.
type SandboxError struct {
	Kind error
	Pip  pipgraph.PipID
	Msg  string
	Err  error
}

func (e *SandboxError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Pip)
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the underlying cause to errors.Is.
func (e *SandboxError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// IsTimeout reports whether err is a sandbox timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrSandboxTimeout)
}

// IsAttachFailure reports whether err is an attach failure.
func IsAttachFailure(err error) bool {
	return errors.Is(err, ErrAttachFailed)
}
