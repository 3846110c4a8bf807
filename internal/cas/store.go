package cas

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/hermetic/internal/ir"
)

var (
	// ErrNotFound is returned when a blob is absent from the store.
	ErrNotFound = errors.New("content not found")

	// ErrStoreUnavailable marks a store tier that could not be reached.
	// It is transient: callers may retry or degrade.
	ErrStoreUnavailable = errors.New("content store unavailable")

	// ErrContentMismatch is returned when bytes read back do not hash to
	// the requested ContentHash.
	ErrContentMismatch = errors.New("content hash mismatch")
)

// Store is the minimal content-addressable contract shared by the disk,
// tiered and remote implementations.
type Store interface {
	Put(ctx context.Context, data []byte) (ir.ContentHash, error)
	Get(ctx context.Context, h ir.ContentHash) ([]byte, error)
	Contains(ctx context.Context, h ir.ContentHash) (bool, error)
}

// IsNotFound reports whether err means the blob is absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsUnavailable reports whether err is a transient store failure.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

// Verify re-hashes data and fails with ErrContentMismatch unless it
// matches want.
func Verify(want ir.ContentHash, data []byte) error {
	if got := ir.HashBytes(data); got != want {
		return fmt.Errorf("%w: want %s, got %s", ErrContentMismatch, want, got)
	}
	return nil
}

func checkHash(h ir.ContentHash) error {
	if h.Algorithm != ir.HashSHA256 {
		return fmt.Errorf("%w: %q", ir.ErrInvalidHash, h.String())
	}
	return nil
}
