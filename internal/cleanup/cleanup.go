// Package cleanup prunes empty directories left behind once a job's result
// tree has been collected.
package cleanup

import (
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// DeleteEmptyFolders recursively removes empty subdirectories under root in
// post-order, so a directory that becomes empty once its children are gone
// is also removed. root itself is never deleted.
func DeleteEmptyFolders(root string) error {
	root = filepath.Clean(root)

	var dirs []string
	if err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			dirs = append(dirs, path)
		}
		return nil
	}); err != nil {
		return errors.Wrapf(err, "walking %s", root)
	}

	for i := len(dirs) - 1; i >= 0; i-- {
		path := dirs[i]
		if filepath.Clean(path) == root {
			continue
		}
		entries, err := os.ReadDir(path)
		if err != nil || len(entries) != 0 {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "removing empty dir %s", path)
		}
	}

	return nil
}
