package io

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// WriteFileAtomic writes data to a uniquely named temp file next to path,
// syncs it and renames it into place. Readers see either the old or the new
// contents.
func WriteFileAtomic(path string, data []byte) error {
	tmpPath := TempPath(path)

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("unable to create temp file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		return errors.Join(fmt.Errorf("unable to write %s: %w", tmpPath, err), f.Close(), os.Remove(tmpPath))
	}

	if err := f.Sync(); err != nil {
		return errors.Join(fmt.Errorf("unable to sync %s: %w", tmpPath, err), f.Close(), os.Remove(tmpPath))
	}

	if err := f.Close(); err != nil {
		return errors.Join(fmt.Errorf("unable to close %s: %w", tmpPath, err), os.Remove(tmpPath))
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return errors.Join(fmt.Errorf("unable to replace %s: %w", path, err), os.Remove(tmpPath))
	}

	return nil
}

// TempPath returns a unique hidden sibling of path for staged writes.
func TempPath(path string) string {
	return filepath.Join(filepath.Dir(path), fmt.Sprintf(".%s.%s.tmp", filepath.Base(path), uuid.NewString()))
}
