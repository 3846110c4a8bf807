// Package ir provides the identity types shared by every layer of the
// build engine: content hashes, fingerprints, selectors and cache entries.
//
// This package contains type definitions and hashing only. All other
// internal packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - Identity is content-addressed SHA-256 with domain separation
//   - Canonical JSON (RFC 8785) is the only encoding used for hashing
//   - No wall-clock time, process id or other host state enters a hash
//   - Selector outputs are capped at MaxSelectorOutput bytes
package ir
