package ir

import "slices"

// ObservedKind classifies what was found at an observed input path.
type ObservedKind string

const (
	ObservedFile      ObservedKind = "file"
	ObservedAbsent    ObservedKind = "absent"
	ObservedDirectory ObservedKind = "directory"
)

// ObservedInput is one input path the pip actually touched, with the hash
// of what was there when the fingerprint was computed.
type ObservedInput struct {
	Path string       `json:"path"`
	Kind ObservedKind `json:"kind"`
	Hash ContentHash  `json:"hash"`
}

// OutputRef names one output file, the hash of its content and whether
// it was produced executable. Files found under a declared output
// directory get one OutputRef each.
type OutputRef struct {
	Path       string      `json:"path"`
	Hash       ContentHash `json:"hash"`
	Executable bool        `json:"executable,omitempty"`
}

// CacheEntry maps a strong fingerprint to the outputs it produced.
// Entries are never mutated; a changed pip description yields a new weak
// fingerprint and therefore a new entry.
type CacheEntry struct {
	Strong         StrongFingerprint `json:"strong"`
	Weak           WeakFingerprint   `json:"weak"`
	Selector       Selector          `json:"selector"`
	Outputs        []OutputRef       `json:"outputs"`
	ObservedInputs []ObservedInput   `json:"observed_inputs"`
	// Pip is the producing pip's label, kept for diagnostics only.
	Pip string `json:"pip,omitempty"`
	// Seq is the logical clock value at publish time. It orders entries
	// within a weak-fingerprint family and never feeds a hash.
	Seq int64 `json:"seq"`
}

// SameOutputs reports whether two entries record identical outputs in the
// same order. Publish idempotency is defined by this comparison.
func (e CacheEntry) SameOutputs(other CacheEntry) bool {
	return slices.Equal(e.Outputs, other.Outputs)
}

// OutputHashes returns the output content hashes in declaration order.
func (e CacheEntry) OutputHashes() []ContentHash {
	hashes := make([]ContentHash, len(e.Outputs))
	for i, o := range e.Outputs {
		hashes[i] = o.Hash
	}
	return hashes
}
