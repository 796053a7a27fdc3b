// SPDX-License-Identifier: AGPL-3.0-only
package jobs

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/ini.v1"

	"snijder/internal/levellog"
)

// ParseErrorKind distinguishes the three failure classes the original
// raised as IOError/SyntaxError/ValueError.
type ParseErrorKind int

const (
	KindIO ParseErrorKind = iota
	KindSyntax
	KindValue
)

// ParseError carries the failure class alongside the underlying error so
// callers can branch on it (e.g. to decide retry vs. reject-and-move).
type ParseError struct {
	Kind ParseErrorKind
	Err  error
}

func (e *ParseError) Error() string { return e.Err.Error() }
func (e *ParseError) Unwrap() error { return e.Err }

func ioErr(format string, args ...any) error {
	return &ParseError{Kind: KindIO, Err: errors.Errorf(format, args...)}
}
func syntaxErr(format string, args ...any) error {
	return &ParseError{Kind: KindSyntax, Err: errors.Errorf(format, args...)}
}
func valueErr(format string, args ...any) error {
	return &ParseError{Kind: KindValue, Err: errors.Errorf(format, args...)}
}

// readRetryDelays is the exact back-off schedule from the spooler's race
// tolerance requirement: a filesystem-event source may signal a new file
// before its writer has finished.
var readRetryDelays = []time.Duration{
	0,
	10 * time.Microsecond,
	100 * time.Microsecond,
	1 * time.Millisecond,
	10 * time.Millisecond,
	100 * time.Millisecond,
}

func readWithRetry(path string) ([]byte, error) {
	var lastErr error
	for _, d := range readRetryDelays {
		if d > 0 {
			time.Sleep(d)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			lastErr = err
			continue
		}
		if len(data) == 0 {
			lastErr = errors.New("file is empty")
			continue
		}
		return data, nil
	}
	if lastErr == nil {
		lastErr = errors.New("file could not be read")
	}
	return nil, ioErr("reading %s: %s", path, lastErr)
}

func sha1Hex(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

// ParseResult is the outcome of parsing a jobfile. UID is always populated,
// even on failure: if the file could not even be read, it falls back to the
// source basename so the caller can still move the poisoned file to `done`.
type ParseResult struct {
	Job *JobDescription
	UID string
	Err error
}

// ParseFile parses a jobfile from disk.
func ParseFile(path, expectedVersion string) *ParseResult {
	data, err := readWithRetry(path)
	if err != nil {
		return &ParseResult{UID: filepath.Base(path), Err: err}
	}
	return parseBytes(data, path, expectedVersion)
}

// ParseString parses an in-memory job description. In-string jobs never
// move across the spool tree (Fname stays empty).
func ParseString(raw, expectedVersion string) *ParseResult {
	return parseBytes([]byte(raw), "", expectedVersion)
}

func parseBytes(raw []byte, fname, expectedVersion string) *ParseResult {
	uid := sha1Hex(raw)
	result := &ParseResult{UID: uid}

	cfg, err := ini.LoadSources(ini.LoadOptions{AllowNonUniqueSections: false}, raw)
	if err != nil {
		result.Err = syntaxErr("invalid ini-style config: %s", err)
		return result
	}

	realSections := 0
	for _, name := range cfg.SectionStrings() {
		if name != ini.DefaultSection {
			realSections++
		}
	}
	if realSections == 0 {
		result.Err = syntaxErr("config has no sections")
		return result
	}

	job := &JobDescription{UID: uid, Fname: fname, Status: StatusNA}

	genSec, err := cfg.GetSection("snijderjob")
	if err != nil {
		result.Err = valueErr("missing required section [snijderjob]")
		return result
	}

	fields := []struct{ iniKey, dst string }{
		{"version", "ver"},
		{"username", "user"},
		{"useremail", "email"},
		{"timestamp", "timestamp"},
		{"jobtype", "type"},
	}
	values := map[string]string{}
	for _, f := range fields {
		key, err := genSec.GetKey(f.iniKey)
		if err != nil {
			result.Err = valueErr("[snijderjob] missing required option %q", f.iniKey)
			return result
		}
		values[f.dst] = key.String()
		genSec.DeleteKey(f.iniKey)
	}
	if remaining := genSec.Keys(); len(remaining) > 0 {
		names := make([]string, len(remaining))
		for i, k := range remaining {
			names[i] = k.Name()
		}
		result.Err = valueErr("[snijderjob] has unexpected option(s): %s", strings.Join(names, ", "))
		return result
	}

	if values["ver"] != expectedVersion {
		result.Err = valueErr("jobfile version %q does not match expected %q", values["ver"], expectedVersion)
		return result
	}
	job.Ver = values["ver"]
	job.User = values["user"]
	job.Email = values["email"]
	job.Type = JobType(values["type"])

	rawTimestamp := values["timestamp"]
	if rawTimestamp == "on_parsing" {
		levellog.Warnf("jobfile %s uses timestamp=on_parsing, a test-only escape hatch", fname)
		now := float64(time.Now().UnixNano()) / 1e9
		job.Timestamp = now
		// Preserve the original's quirk: uid is re-derived from the
		// resolved high-precision timestamp instead of the raw bytes,
		// so repeated test submissions with identical bodies don't
		// collide.
		uid = sha1Hex([]byte(fmt.Sprintf("%.18f", now)))
		job.UID = uid
		result.UID = uid
	} else {
		ts, err := strconv.ParseFloat(rawTimestamp, 64)
		if err != nil {
			result.Err = valueErr("invalid timestamp %q", rawTimestamp)
			return result
		}
		job.Timestamp = ts
	}

	switch job.Type {
	case JobTypeHucore:
		if err := parseHucoreSection(cfg, job, false); err != nil {
			result.Err = err
			return result
		}
		if err := parseInputFiles(cfg, job); err != nil {
			result.Err = err
			return result
		}
	case JobTypeDummy:
		if err := parseHucoreSection(cfg, job, true); err != nil {
			result.Err = err
			return result
		}
	case JobTypeDeleteJobs:
		if err := parseDeleteJobsSection(cfg, job); err != nil {
			result.Err = err
			return result
		}
	default:
		result.Err = valueErr("unknown jobtype %q", job.Type)
		return result
	}

	result.Job = job
	return result
}

func parseHucoreSection(cfg *ini.File, job *JobDescription, dummy bool) error {
	sec, err := cfg.GetSection("hucore")
	if err != nil {
		return valueErr("missing required section [hucore]")
	}

	required := []string{"tasktype", "executable"}
	if !dummy {
		required = append(required, "template")
	}

	for _, name := range required {
		key, err := sec.GetKey(name)
		if err != nil {
			return valueErr("[hucore] missing required option %q", name)
		}
		switch name {
		case "tasktype":
			job.TaskType = TaskType(key.String())
		case "executable":
			job.Exec = key.String()
		case "template":
			job.Template = key.String()
		}
		sec.DeleteKey(name)
	}
	if remaining := sec.Keys(); len(remaining) > 0 {
		names := make([]string, len(remaining))
		for i, k := range remaining {
			names[i] = k.Name()
		}
		return valueErr("[hucore] has unexpected option(s): %s", strings.Join(names, ", "))
	}

	if dummy {
		if job.TaskType != TaskTypeSleep {
			return valueErr("dummy jobs require tasktype=sleep, got %q", job.TaskType)
		}
		return nil
	}
	if job.TaskType != TaskTypeDecon && job.TaskType != TaskTypePreview {
		return valueErr("hucore jobs require tasktype in {decon, preview}, got %q", job.TaskType)
	}
	return nil
}

func parseInputFiles(cfg *ini.File, job *JobDescription) error {
	sec, err := cfg.GetSection("inputfiles")
	if err != nil {
		return valueErr("missing required section [inputfiles]")
	}
	var infiles []string
	for _, key := range sec.Keys() {
		infiles = append(infiles, key.String())
	}
	if len(infiles) == 0 {
		return valueErr("[inputfiles] requires at least one entry")
	}
	job.Infiles = infiles
	return nil
}

func parseDeleteJobsSection(cfg *ini.File, job *JobDescription) error {
	sec, err := cfg.GetSection("deletejobs")
	if err != nil {
		return valueErr("missing required section [deletejobs]")
	}
	key, err := sec.GetKey("ids")
	if err != nil {
		return valueErr("[deletejobs] missing required option %q", "ids")
	}
	sec.DeleteKey("ids")
	if remaining := sec.Keys(); len(remaining) > 0 {
		names := make([]string, len(remaining))
		for i, k := range remaining {
			names[i] = k.Name()
		}
		return valueErr("[deletejobs] has unexpected option(s): %s", strings.Join(names, ", "))
	}

	var ids []string
	for _, raw := range strings.Split(key.String(), ",") {
		id := strings.TrimSpace(raw)
		if id != "" {
			ids = append(ids, id)
		}
	}
	job.IDs = ids
	return nil
}
