// SPDX-License-Identifier: AGPL-3.0-only
package spool

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

// Move relocates a job file on disk to <targetDir>/<uid><suffix>, preferring
// an atomic rename and falling back to copy+remove across filesystems. A
// srcPath of "" means the job was parsed from a string, not a file: this is
// a no-op, matching original_source/src/snijder/jobs.py's move_jobfile.
// On a name collision a high-resolution timestamp is appended to the
// target name, mirroring the original's `.%s" % time.time()` suffix.
func Move(srcPath, uid, targetDir, suffix string) (string, error) {
	if srcPath == "" {
		return "", nil
	}

	target := filepath.Join(targetDir, uid+suffix)
	if _, err := os.Stat(target); err == nil {
		target = fmt.Sprintf("%s.%d", target, time.Now().UnixNano())
	}

	if err := os.Rename(srcPath, target); err == nil {
		return target, nil
	}

	if err := copyFile(srcPath, target); err != nil {
		return "", errors.Wrapf(err, "moving %s to %s", srcPath, target)
	}
	if err := os.Remove(srcPath); err != nil {
		return "", errors.Wrapf(err, "removing source %s after copy", srcPath)
	}
	return target, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
