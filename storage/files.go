package storage

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// DiskFiles removes attachment payloads from a local directory tree. Paths
// stored on attachment rows are relative to Root; anything trying to climb
// out of it is clipped.
type DiskFiles struct {
	Root string
}

// Remove deletes the payload behind path. A payload that is already gone is
// not an error.
func (d DiskFiles) Remove(_ context.Context, path string) error {
	if d.Root == "" || path == "" {
		return nil
	}
	clean := filepath.Clean("/" + path)
	err := os.Remove(filepath.Join(d.Root, clean))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
