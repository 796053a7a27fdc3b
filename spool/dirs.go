// SPDX-License-Identifier: AGPL-3.0-only
// Package spool builds and maintains the on-disk spool tree:
//
//	<base>/spool/{new,cur,done}
//	<base>/queue/{requests,status}
//
// and the atomic file motion between those directories. Grounded on
// original_source/src/snijder/spooler.py's setup_rundirs.
package spool

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"snijder/internal/levellog"
)

// Dirs holds the fully-qualified paths of the spool tree.
type Dirs struct {
	Base       string
	New        string
	Cur        string
	Done       string
	Requests   string
	Status     string
	NewFiles   []string // basenames present in New at startup
	CurFiles   []string // basenames present in Cur at startup
}

// SetupRunDirs creates the spool tree rooted at base (creating any missing
// directory) and records what was already present in new/ and cur/ so the
// caller can treat those as pre-submitted/resumable jobs.
func SetupRunDirs(base string) (*Dirs, error) {
	d := &Dirs{
		Base:     base,
		New:      filepath.Join(base, "spool", "new"),
		Cur:      filepath.Join(base, "spool", "cur"),
		Done:     filepath.Join(base, "spool", "done"),
		Requests: filepath.Join(base, "queue", "requests"),
		Status:   filepath.Join(base, "queue", "status"),
	}

	for _, dir := range []string{d.New, d.Cur, d.Done, d.Requests, d.Status} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "creating spool dir %s", dir)
		}
	}

	newFiles, err := listRegularFiles(d.New)
	if err != nil {
		return nil, errors.Wrap(err, "listing pre-existing new/ files")
	}
	if len(newFiles) > 0 {
		levellog.Warnf("PRE-SUBMITTED JOBS: found %d file(s) already in %s", len(newFiles), d.New)
	}
	d.NewFiles = newFiles

	curFiles, err := listRegularFiles(d.Cur)
	if err != nil {
		return nil, errors.Wrap(err, "listing pre-existing cur/ files")
	}
	if len(curFiles) > 0 {
		levellog.Infof("resuming %d job(s) found in %s from a previous run", len(curFiles), d.Cur)
	}
	d.CurFiles = curFiles

	return d, nil
}

// StatusFile returns the path to the status JSON snapshot for a queue name.
func (d *Dirs) StatusFile(queueName string) string {
	return filepath.Join(d.Status, queueName+".json")
}

// RequestFile returns the path of a control-file-channel request.
func (d *Dirs) RequestFile(name string) string {
	return filepath.Join(d.Requests, name)
}

func listRegularFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}
