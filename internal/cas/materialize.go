package cas

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/roach88/hermetic/internal/ir"
)

// Materialize writes the blob named by out to out.Path, mode 0755 when
// out.Executable and 0644 otherwise. The bytes are re-hashed first and
// ErrContentMismatch is returned on disagreement; the file is replaced
// atomically via a sibling temp file and rename.
func Materialize(ctx context.Context, s Store, out ir.OutputRef) error {
	h, dst := out.Hash, out.Path
	data, err := s.Get(ctx, h)
	if err != nil {
		return fmt.Errorf("materialize %s: %w", dst, err)
	}
	if err := Verify(h, data); err != nil {
		return fmt.Errorf("materialize %s: %w", dst, err)
	}
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create output directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".*")
	if err != nil {
		return fmt.Errorf("create temp output: %w", err)
	}
	name := tmp.Name()
	if err := tmp.Chmod(OutputMode(out.Executable)); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("chmod %s: %w", dst, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("write %s: %w", dst, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("close %s: %w", dst, err)
	}
	if err := os.Rename(name, dst); err != nil {
		os.Remove(name)
		return fmt.Errorf("rename %s: %w", dst, err)
	}
	return nil
}

// OutputMode is the permission a restored output gets.
func OutputMode(executable bool) os.FileMode {
	if executable {
		return 0o755
	}
	return 0o644
}
