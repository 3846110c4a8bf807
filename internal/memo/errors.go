package memo

import (
	"errors"
	"fmt"

	"github.com/roach88/hermetic/internal/ir"
)

// ErrCacheInconsistency marks two different outputs published under one
// strong fingerprint.
var ErrCacheInconsistency = errors.New("cache inconsistency")

// InconsistencyError describes a rejected or replacing publish.
type InconsistencyError struct {
	Strong   ir.StrongFingerprint
	Pip      string
	Existing []ir.OutputRef
	Incoming []ir.OutputRef
	// Replaced is true when the incoming entry won (StrictReplace).
	Replaced bool
}

func (e *InconsistencyError) Error() string {
	verdict := "kept existing entry"
	if e.Replaced {
		verdict = "replaced existing entry"
	}
	label := e.Pip
	if label == "" {
		label = e.Strong.String()
	}
	return fmt.Sprintf("cache inconsistency for %s: outputs differ from published entry (%s)", label, verdict)
}

func (e *InconsistencyError) Unwrap() error {
	return ErrCacheInconsistency
}

// IsInconsistency reports whether err is an *InconsistencyError.
func IsInconsistency(err error) bool {
	var ie *InconsistencyError
	return errors.As(err, &ie)
}
