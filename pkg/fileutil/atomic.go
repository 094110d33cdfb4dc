// Package fileutil provides small file operation helpers shared by the
// repository facade and configuration loader.
//
// The object store's own write-fsync-verity-link chain (see objectstore)
// is a heavier-weight sibling of the same "stage in a temp file on the
// same filesystem, then publish atomically" idiom implemented here for
// small metadata files (reference bookkeeping, GC checkpoints).
package fileutil

import (
	"fmt"
	"os"
	"path/filepath"
)

// AtomicWriteFile writes data to path atomically.
//
// It first writes to a uniquely-named temporary file in the same
// directory, fsyncs it, then renames it into place. A fixed ".tmp" suffix
// would let two concurrent writers to the same path stomp each other's
// temp file; a unique name keeps writers independent until the final
// rename, which is atomic on a single filesystem.
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temporary file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temporary file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temporary file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temporary file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("chmod temporary file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temporary file: %w", err)
	}
	return nil
}

// EnsureDir ensures that a directory exists, creating it and all parents
// as needed with the specified permissions.
func EnsureDir(path string, perm os.FileMode) error {
	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("create directory %s: %w", path, err)
	}
	return nil
}

// EnsureParentDir ensures that the parent directory of path exists.
func EnsureParentDir(path string, perm os.FileMode) error {
	return EnsureDir(filepath.Dir(path), perm)
}
