package ir

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash/fnv"
)

// MaxSelectorOutput caps the selector's output tag, in bytes.
const MaxSelectorOutput = 1024

// Selector is combined with a weak fingerprint to yield a strong one.
//
// ContentHash discriminates the observed input content; Output is an
// optional tag of at most MaxSelectorOutput bytes.
//
// A nil Output and a zero-length Output are EQUAL: both mean "no output
// tag". NewSelector normalizes empty to nil so a selector read back from
// storage is indistinguishable from the one that was written.
type Selector struct {
	ContentHash ContentHash `json:"content_hash"`
	Output      []byte      `json:"output,omitempty"`
}

// NewSelector builds a selector, truncating output deterministically to
// MaxSelectorOutput and normalizing an empty output to nil.
func NewSelector(h ContentHash, output []byte) Selector {
	if len(output) == 0 {
		return Selector{ContentHash: h}
	}
	if len(output) > MaxSelectorOutput {
		output = output[:MaxSelectorOutput]
	}
	return Selector{ContentHash: h, Output: bytes.Clone(output)}
}

// Equal reports whether hashes are equal and outputs are byte-equal.
// bytes.Equal treats nil and empty as equal, which is the documented rule.
func (s Selector) Equal(other Selector) bool {
	return s.ContentHash == other.ContentHash && bytes.Equal(s.Output, other.Output)
}

// Hash combines the content hash's own hash with an FNV hash of the output.
// Selectors that are Equal always have equal Hash values.
func (s Selector) Hash() uint64 {
	own := binary.BigEndian.Uint64(s.ContentHash.Digest[:8]) ^ uint64(s.ContentHash.Algorithm)
	h := fnv.New64a()
	h.Write(s.Output)
	return own ^ h.Sum64()
}

// Key returns a comparable string that is equal for Equal selectors, for
// use as a map key.
func (s Selector) Key() string {
	return string(s.CanonicalBytes())
}

// CanonicalBytes is the byte form hashed into a strong fingerprint:
// tag byte, digest, 2-byte big-endian output length, output bytes.
func (s Selector) CanonicalBytes() []byte {
	out := make([]byte, 0, 1+DigestSize+2+len(s.Output))
	out = append(out, s.ContentHash.Bytes()...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(s.Output)))
	return append(out, s.Output...)
}

// String renders the selector for logs.
func (s Selector) String() string {
	return fmt.Sprintf("ContentHash=[%s], Output=[%s]", s.ContentHash, hex.EncodeToString(s.Output))
}
