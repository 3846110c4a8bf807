package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// HashAlgorithm tags the digest carried by a ContentHash.
type HashAlgorithm uint8

const (
	// HashUnknown is the zero value; a ContentHash with it is "no hash".
	HashUnknown HashAlgorithm = iota
	// HashSHA256 is the only algorithm the engine produces.
	HashSHA256
)

// DigestSize is the byte length of every digest.
const DigestSize = sha256.Size

// String returns the algorithm tag used in textual hashes.
func (a HashAlgorithm) String() string {
	switch a {
	case HashSHA256:
		return "sha256"
	default:
		return "unknown"
	}
}

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainWeak     = "hermetic/weak/v1"
	DomainStrong   = "hermetic/strong/v1"
	DomainSelector = "hermetic/selector/v1"
	DomainAbsent   = "hermetic/absent/v1"
	DomainDir      = "hermetic/directory/v1"
)

// ErrInvalidHash is returned when parsing a malformed textual hash.
var ErrInvalidHash = errors.New("invalid content hash")

// ContentHash identifies a byte blob. Equality is byte-exact over the
// algorithm tag and digest, so ContentHash is usable as a map key.
type ContentHash struct {
	Algorithm HashAlgorithm
	Digest    [DigestSize]byte
}

// HashBytes returns the SHA-256 content hash of data.
func HashBytes(data []byte) ContentHash {
	return ContentHash{Algorithm: HashSHA256, Digest: sha256.Sum256(data)}
}

// HashReader streams r through SHA-256.
func HashReader(r io.Reader) (ContentHash, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return ContentHash{}, fmt.Errorf("hash reader: %w", err)
	}
	var out ContentHash
	out.Algorithm = HashSHA256
	copy(out.Digest[:], h.Sum(nil))
	return out, nil
}

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + part0 + part1 ...)
// The null byte separator prevents domain/data boundary ambiguity. Callers
// must make parts self-delimiting (fixed size or length-prefixed).
func hashWithDomain(domain string, parts ...[]byte) ContentHash {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	for _, p := range parts {
		h.Write(p)
	}
	var out ContentHash
	out.Algorithm = HashSHA256
	copy(out.Digest[:], h.Sum(nil))
	return out
}

// HashWithDomain is the exported form of the domain-separated hash, for
// packages that build their own fingerprint-like identities.
func HashWithDomain(domain string, parts ...[]byte) ContentHash {
	return hashWithDomain(domain, parts...)
}

// AbsentHash marks a path that was probed but did not exist. It can never
// collide with the hash of real content, including empty content.
var AbsentHash = hashWithDomain(DomainAbsent)

// IsZero reports whether h carries no hash.
func (h ContentHash) IsZero() bool {
	return h.Algorithm == HashUnknown
}

// Hex returns the lowercase hex digest without the algorithm tag.
func (h ContentHash) Hex() string {
	return hex.EncodeToString(h.Digest[:])
}

// String renders "sha256:<hex>"; the zero value renders as "".
func (h ContentHash) String() string {
	if h.IsZero() {
		return ""
	}
	return h.Algorithm.String() + ":" + h.Hex()
}

// Bytes returns the canonical binary form: one tag byte then the digest.
func (h ContentHash) Bytes() []byte {
	out := make([]byte, 0, 1+DigestSize)
	out = append(out, byte(h.Algorithm))
	return append(out, h.Digest[:]...)
}

// MarshalText implements encoding.TextMarshaler.
func (h ContentHash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *ContentHash) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*h = ContentHash{}
		return nil
	}
	parsed, err := ParseContentHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseContentHash parses the output of ContentHash.String. A bare hex
// digest is accepted as SHA-256.
func ParseContentHash(s string) (ContentHash, error) {
	algo, digest, found := strings.Cut(s, ":")
	if !found {
		digest = algo
		algo = HashSHA256.String()
	}
	if algo != HashSHA256.String() {
		return ContentHash{}, fmt.Errorf("%w: unsupported algorithm %q", ErrInvalidHash, algo)
	}
	raw, err := hex.DecodeString(digest)
	if err != nil {
		return ContentHash{}, fmt.Errorf("%w: %v", ErrInvalidHash, err)
	}
	if len(raw) != DigestSize {
		return ContentHash{}, fmt.Errorf("%w: digest is %d bytes, want %d", ErrInvalidHash, len(raw), DigestSize)
	}
	out := ContentHash{Algorithm: HashSHA256}
	copy(out.Digest[:], raw)
	return out, nil
}

// WeakFingerprint is the digest of a pip's static description. It is a
// distinct type so it can never be passed where a strong one is expected.
type WeakFingerprint struct {
	ContentHash
}

// StrongFingerprint is the digest of a weak fingerprint plus a selector.
// It is the real cache key.
type StrongFingerprint struct {
	ContentHash
}

// NewWeakFingerprint hashes a canonical pip description.
func NewWeakFingerprint(canonicalDescription []byte) WeakFingerprint {
	return WeakFingerprint{hashWithDomain(DomainWeak, []byte(FingerprintVersion), []byte{0x00}, canonicalDescription)}
}

// NewStrongFingerprint combines a weak fingerprint with a selector by
// hashing the weak digest followed by the selector's canonical bytes.
func NewStrongFingerprint(weak WeakFingerprint, sel Selector) StrongFingerprint {
	return StrongFingerprint{hashWithDomain(DomainStrong, weak.Bytes(), sel.CanonicalBytes())}
}

// ParseWeakFingerprint parses a textual weak fingerprint.
func ParseWeakFingerprint(s string) (WeakFingerprint, error) {
	h, err := ParseContentHash(s)
	return WeakFingerprint{h}, err
}

// ParseStrongFingerprint parses a textual strong fingerprint.
func ParseStrongFingerprint(s string) (StrongFingerprint, error) {
	h, err := ParseContentHash(s)
	return StrongFingerprint{h}, err
}
