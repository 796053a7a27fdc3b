// SPDX-License-Identifier: AGPL-3.0-only
package jobs

import (
	"path/filepath"

	"github.com/google/shlex"
)

// AppTag is the tagged variant replacing the original's per-jobtype class
// hierarchy (HuCoreApp -> HuDeconApp/HuPreviewApp/HuSNRApp, DummySleepApp).
// Grounded on original_source/src/snijder/apps/{__init__,hucore,dummy}.py.
type AppTag string

const (
	TagHuDecon    AppTag = "HuDecon"
	TagHuPreview  AppTag = "HuPreview"
	TagHuSNR      AppTag = "HuSNR"
	TagDummySleep AppTag = "DummySleep"
)

// AppSpec is everything the execution engine needs to run one job: the
// argument vector and the output directory its process runs in. Trimmed to
// exactly what jobs.Engine.Add consumes — staged-input and captured-output
// bookkeeping belongs to the external execution engine (§6.2), which this
// adapter only starts a process for.
type AppSpec struct {
	Tag       AppTag
	Job       *JobDescription
	Argv      []string
	OutputDir string
}

func outputDirFor(backendSpoolDir, uid string) string {
	return filepath.Join(backendSpoolDir, "results_"+uid)
}

// newHucoreAppSpec builds the shared HuCoreApp construction: the argument
// vector references the template's basename since it travels alongside the
// other inputs. job.Exec comes from the jobfile's required but possibly
// blank [hucore].executable value (the parser only requires the key to be
// present, not non-empty — a pattern test fixtures rely on); defaultExec is
// the operator-configured fallback for this jobtype, used when job.Exec is
// empty.
func newHucoreAppSpec(tag AppTag, job *JobDescription, backendSpoolDir, defaultExec string) (*AppSpec, error) {
	exec := job.Exec
	if exec == "" {
		exec = defaultExec
	}

	execParts, err := shlex.Split(exec)
	if err != nil || len(execParts) == 0 {
		return nil, valueErr("invalid hucore executable %q", exec)
	}

	templateOnTarget := filepath.Base(job.Template)

	argv := append(execParts,
		"-exitOnDone", "-noExecLog", "-checkForUpdates", "disable",
		"-template", templateOnTarget,
	)

	return &AppSpec{
		Tag:       tag,
		Job:       job,
		Argv:      argv,
		OutputDir: outputDirFor(backendSpoolDir, job.UID),
	}, nil
}

func NewHuDeconAppSpec(job *JobDescription, backendSpoolDir, defaultExec string) (*AppSpec, error) {
	return newHucoreAppSpec(TagHuDecon, job, backendSpoolDir, defaultExec)
}

func NewHuPreviewAppSpec(job *JobDescription, backendSpoolDir, defaultExec string) (*AppSpec, error) {
	return newHucoreAppSpec(TagHuPreview, job, backendSpoolDir, defaultExec)
}

// NewHuSNRAppSpec is not reachable from a parsed jobfile: the parser only
// validates tasktype in {decon, preview} (spec.md §6.1). The tag is kept
// for construction-path parity with the original's app hierarchy and
// exercised directly by tests, not by the dispatch switch in NewAppSpec.
func NewHuSNRAppSpec(job *JobDescription, backendSpoolDir, defaultExec string) (*AppSpec, error) {
	return newHucoreAppSpec(TagHuSNR, job, backendSpoolDir, defaultExec)
}

// NewDummySleepAppSpec hardcodes the command the same way the original
// DummySleepApp did: job.Exec is parsed and validated but intentionally
// unused here, matching apps/dummy.py. There is no per-jobtype fallback to
// apply since dummy jobs never consult job.Exec in the first place.
func NewDummySleepAppSpec(job *JobDescription, backendSpoolDir string) (*AppSpec, error) {
	return &AppSpec{
		Tag:       TagDummySleep,
		Job:       job,
		Argv:      []string{"/bin/sleep", "1.6"},
		OutputDir: outputDirFor(backendSpoolDir, job.UID),
	}, nil
}

// NewAppSpec dispatches on the job's type/tasktype to the matching
// constructor, replacing the original's runtime class lookup. defaultExec
// is the operator-configured fallback executable for job.Type (see
// config.Config.DefaultExecutable), applied only by the hucore variants.
func NewAppSpec(job *JobDescription, backendSpoolDir, defaultExec string) (*AppSpec, error) {
	switch job.Type {
	case JobTypeHucore:
		switch job.TaskType {
		case TaskTypeDecon:
			return NewHuDeconAppSpec(job, backendSpoolDir, defaultExec)
		case TaskTypePreview:
			return NewHuPreviewAppSpec(job, backendSpoolDir, defaultExec)
		default:
			return nil, valueErr("no app variant for hucore tasktype %q", job.TaskType)
		}
	case JobTypeDummy:
		return NewDummySleepAppSpec(job, backendSpoolDir)
	default:
		return nil, valueErr("no app variant for job type %q", job.Type)
	}
}
