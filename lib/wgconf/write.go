package wgconf

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/wgkeeper/wgkeeper/lib/errors"
)

// WriteFile writes the serialized document with owner-only permissions.
// The document is written to a temporary file in the target directory and
// renamed into place, so a running process reading the config never
// observes a truncated file. Permission failures map to
// ErrConfigWriteDenied so callers can treat them as recoverable.
func (d *Document) WriteFile(path string) error {
	data := []byte(d.Serialize())

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		if os.IsPermission(err) {
			return fmt.Errorf("%w: %v", errors.ErrConfigWriteDenied, err)
		}
		return fmt.Errorf("creating temp config: %w", err)
	}
	tmpPath := tmp.Name()

	cleanup := func(err error) error {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}

	if err := tmp.Chmod(0600); err != nil {
		return cleanup(fmt.Errorf("setting config permissions: %w", err))
	}
	if _, err := tmp.Write(data); err != nil {
		return cleanup(fmt.Errorf("writing config: %w", err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing config: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		if os.IsPermission(err) {
			return fmt.Errorf("%w: %v", errors.ErrConfigWriteDenied, err)
		}
		return fmt.Errorf("renaming config: %w", err)
	}
	return nil
}
