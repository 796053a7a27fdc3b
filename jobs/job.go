// SPDX-License-Identifier: AGPL-3.0-only
// Package jobs implements the job description parser, the per-category
// round-robin queue, the execution-engine adapter, and the spooler control
// loop that ties them together. Grounded on original_source/src/snijder
// (jobs.py, queue.py, spooler.py, apps/).
package jobs

// Status is the lifecycle state of a job, mirroring the gc3libs Run.State
// enum the original backend exposed.
type Status string

const (
	StatusNA          Status = "N/A"
	StatusQueued      Status = "queued"
	StatusNew         Status = "NEW"
	StatusSubmitted   Status = "SUBMITTED"
	StatusRunning     Status = "RUNNING"
	StatusStopped     Status = "STOPPED"
	StatusTerminating Status = "TERMINATING"
	StatusTerminated  Status = "TERMINATED"
	StatusUnknown     Status = "UNKNOWN"
)

// JobType is the top-level jobfile `jobtype` value.
type JobType string

const (
	JobTypeHucore     JobType = "hucore"
	JobTypeDummy      JobType = "dummy"
	JobTypeDeleteJobs JobType = "deletejobs"
)

// TaskType is the hucore-specific `tasktype` value.
type TaskType string

const (
	TaskTypeDecon   TaskType = "decon"
	TaskTypePreview TaskType = "preview"
	TaskTypeSleep   TaskType = "sleep"
)

// JobDescription is the typed record a parsed jobfile becomes. It is owned
// by whoever currently holds it: the queue while enqueued, the controller
// while dispatched.
type JobDescription struct {
	UID       string
	Type      JobType
	TaskType  TaskType
	User      string
	Email     string
	Timestamp float64
	Ver       string

	Exec     string
	Template string
	Infiles  []string

	IDs []string // for deletejobs

	Status Status

	// Fname is the source file path if parsed from a file; empty if
	// parsed from a string. In-string jobs never move across the spool
	// tree (spool.Move is a no-op for an empty path).
	Fname string

	// onStatusChange, when set, is invoked whenever SetStatus changes
	// Status to a different value. The spooler installs it as the
	// store-on-change hook into the history audit log.
	onStatusChange func(job *JobDescription, old, new Status)
}

// SetStatus assigns a new status and fires the change hook, mirroring the
// original's JobDescription.__setitem__ triggering store_job on status
// changes.
func (j *JobDescription) SetStatus(s Status) {
	old := j.Status
	j.Status = s
	if j.onStatusChange != nil && old != s {
		j.onStatusChange(j, old, s)
	}
}

// OnStatusChange installs the change-notification hook.
func (j *JobDescription) OnStatusChange(fn func(job *JobDescription, old, new Status)) {
	j.onStatusChange = fn
}
