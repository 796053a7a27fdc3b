// SPDX-License-Identifier: AGPL-3.0-only
package jobs

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/samber/lo"

	"snijder/internal/levellog"
)

// JobQueue is a fair round-robin scheduler over per-category (per-user)
// FIFOs, with deletion support and JSON status emission. Grounded on
// original_source/src/snijder/queue.py's JobQueue class.
//
// All mutating operations lock internally; the spooler control loop is the
// only caller for these, which is what makes the single mutex sufficient
// (no operation blocks while holding it).
type JobQueue struct {
	mu sync.Mutex

	name string

	jobs       map[string]*JobDescription
	categories []string
	queue      map[string][]string
	processing []string

	deletionList []string

	statusFile    string
	statusChanged bool
}

func NewJobQueue(name string) *JobQueue {
	return &JobQueue{
		name:  name,
		jobs:  make(map[string]*JobDescription),
		queue: make(map[string][]string),
	}
}

func (q *JobQueue) SetStatusFile(path string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.statusFile = path
}

func (q *JobQueue) markDirtyLocked() {
	q.statusChanged = true
}

// Append enqueues job, failing if its uid is already known to this queue.
func (q *JobQueue) Append(job *JobDescription) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.jobs[job.UID]; exists {
		return valueErr("job %s is already in this queue", job.UID)
	}

	q.jobs[job.UID] = job
	if _, ok := q.queue[job.User]; !ok {
		q.categories = append(q.categories, job.User)
	}
	q.queue[job.User] = append(q.queue[job.User], job.UID)
	job.SetStatus(StatusQueued)
	q.markDirtyLocked()
	return nil
}

// NextJob pops the head category's front job into processing and rotates
// categories left, unless that category's FIFO is now empty, in which case
// it is dropped instead of rotated.
func (q *JobQueue) NextJob() *JobDescription {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.categories) == 0 {
		return nil
	}

	head := q.categories[0]
	fifo := q.queue[head]
	if len(fifo) == 0 {
		// Invariant violation guard: categories should never contain an
		// empty FIFO. Repair by dropping the stale category.
		q.categories = q.categories[1:]
		delete(q.queue, head)
		return nil
	}

	uid := fifo[0]
	fifo = fifo[1:]

	q.processing = append(q.processing, uid)
	if len(fifo) == 0 {
		delete(q.queue, head)
		q.categories = q.categories[1:]
	} else {
		q.queue[head] = fifo
		q.categories = append(q.categories[1:], head)
	}
	q.markDirtyLocked()
	return q.jobs[uid]
}

// Remove deletes uid from the queue, searching its category FIFO then the
// processing list. If updateStatus is true the status JSON is flushed
// before returning.
func (q *JobQueue) Remove(uid string, updateStatus bool) *JobDescription {
	q.mu.Lock()
	job := q.removeLocked(uid)
	q.mu.Unlock()

	if updateStatus {
		_ = q.Flush()
	}
	return job
}

func (q *JobQueue) removeLocked(uid string) *JobDescription {
	job, ok := q.jobs[uid]
	if !ok {
		levellog.Infof("queue %s: remove(%s) - uid not present", q.name, uid)
		return nil
	}
	delete(q.jobs, uid)

	for cat, fifo := range q.queue {
		for i, id := range fifo {
			if id != uid {
				continue
			}
			remaining := append(fifo[:i:i], fifo[i+1:]...)
			if len(remaining) == 0 {
				delete(q.queue, cat)
				q.categories = removeString(q.categories, cat)
			} else {
				q.queue[cat] = remaining
			}
			q.markDirtyLocked()
			return job
		}
	}

	for i, id := range q.processing {
		if id != uid {
			continue
		}
		q.processing = append(q.processing[:i:i], q.processing[i+1:]...)
		q.markDirtyLocked()
		return job
	}

	levellog.Warnf("queue %s: uid %s was in jobs but in neither a category FIFO nor processing", q.name, uid)
	q.markDirtyLocked()
	return nil
}

func removeString(s []string, v string) []string {
	out := s[:0:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

// SetJobStatus assigns the job's new status and, on TERMINATED, removes it
// from the queue in the same logical step. The trailing Flush is a no-op
// when Remove already flushed, since the dirty bit coalesces repeated
// flush calls into a single write.
func (q *JobQueue) SetJobStatus(job *JobDescription, status Status) {
	job.SetStatus(status)
	q.mu.Lock()
	q.markDirtyLocked()
	q.mu.Unlock()

	if status == StatusTerminated {
		q.Remove(job.UID, true)
	}
	_ = q.Flush()
}

// AddDeletion appends uids to the deletion list. They may belong to a
// foreign queue; ProcessDeletionList logs that case without treating it as
// an error.
func (q *JobQueue) AddDeletion(uids ...string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deletionList = append(q.deletionList, uids...)
}

// DeletionList returns a snapshot of the pending deletion ids.
func (q *JobQueue) DeletionList() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.deletionList...)
}

// RemoveFromDeletionList drops uid from the pending deletion list, used by
// the controller once it has killed the corresponding in-flight job.
func (q *JobQueue) RemoveFromDeletionList(uid string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deletionList = removeString(q.deletionList, uid)
}

// ProcessDeletionList drains the deletion list, removing each uid from
// whichever category FIFO it's waiting in. A single flush at the end
// coalesces every deletion into one JSON write.
func (q *JobQueue) ProcessDeletionList() {
	q.mu.Lock()
	ids := q.deletionList
	q.deletionList = nil
	q.mu.Unlock()

	for _, uid := range ids {
		if job := q.Remove(uid, false); job == nil {
			levellog.Infof("queue %s: deletejobs uid %s not found (possibly a foreign queue)", q.name, uid)
		}
	}
	_ = q.Flush()
}

// JobList produces a round-robin-interleaved ordering of all still-queued
// uids, without mutating state: the per-category FIFOs are zipped by
// position and flattened row-major, dropping the padding used for
// shorter FIFOs.
func (q *JobQueue) JobList() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.jobListLocked()
}

func (q *JobQueue) jobListLocked() []string {
	columns := lo.Map(q.categories, func(cat string, _ int) []string {
		return q.queue[cat]
	})

	maxLen := 0
	for _, col := range columns {
		if len(col) > maxLen {
			maxLen = len(col)
		}
	}

	var out []string
	for i := 0; i < maxLen; i++ {
		for _, col := range columns {
			if i < len(col) {
				out = append(out, col[i])
			}
		}
	}
	return out
}

// Get looks up a job by uid regardless of which part of the queue it's in.
func (q *JobQueue) Get(uid string) *JobDescription {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.jobs[uid]
}

// Processing returns a snapshot of the uids currently dispatched.
func (q *JobQueue) Processing() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.processing...)
}

// Categories returns a snapshot of the category rotation order.
func (q *JobQueue) Categories() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.categories...)
}

type statusJob struct {
	ID       string   `json:"id"`
	File     []string `json:"file"`
	Username string   `json:"username"`
	JobType  string   `json:"jobType"`
	Status   string   `json:"status"`
	Server   string   `json:"server"`
	Progress string   `json:"progress"`
	PID      string   `json:"pid"`
	Start    string   `json:"start"`
	Queued   float64  `json:"queued"`
}

type statusDoc struct {
	Jobs []statusJob `json:"jobs"`
}

// QueueDetailsJSON renders the §6.4 status snapshot: processing jobs
// first, then JobList order.
func (q *JobQueue) QueueDetailsJSON() ([]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queueDetailsJSONLocked()
}

func (q *JobQueue) queueDetailsJSONLocked() ([]byte, error) {
	order := append(append([]string{}, q.processing...), q.jobListLocked()...)

	doc := statusDoc{Jobs: []statusJob{}}
	for _, uid := range order {
		job, ok := q.jobs[uid]
		if !ok {
			continue
		}
		file := job.Infiles
		if file == nil {
			file = []string{}
		}
		doc.Jobs = append(doc.Jobs, statusJob{
			ID:       job.UID,
			File:     file,
			Username: job.User,
			JobType:  string(job.Type),
			Status:   string(job.Status),
			Server:   "N/A",
			Progress: "N/A",
			PID:      "N/A",
			Start:    "N/A",
			Queued:   job.Timestamp,
		})
	}
	return json.MarshalIndent(doc, "", "  ")
}

// ForceFlush writes the status JSON unconditionally, used by a `refresh`
// control request which dumps status without being a real mutation.
func (q *JobQueue) ForceFlush() error {
	q.mu.Lock()
	q.statusChanged = true
	q.mu.Unlock()
	return q.Flush()
}

// Flush writes the status JSON if the dirty bit is set, then clears it.
// Calling Flush repeatedly is always safe: only the first call after a
// mutation actually writes.
func (q *JobQueue) Flush() error {
	q.mu.Lock()
	if !q.statusChanged {
		q.mu.Unlock()
		return nil
	}
	data, err := q.queueDetailsJSONLocked()
	q.statusChanged = false
	path := q.statusFile
	q.mu.Unlock()

	if err != nil {
		return err
	}
	if path == "" {
		return nil
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
