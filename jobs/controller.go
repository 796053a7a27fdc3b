// SPDX-License-Identifier: AGPL-3.0-only
package jobs

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"snijder/internal/cleanup"
	"snijder/internal/levellog"
	"snijder/spool"
)

// ControlStatus is the spooler's resting state. "refresh" is deliberately
// absent here: it is a transient action, not a resting state (§4.4).
type ControlStatus string

const (
	ControlRun      ControlStatus = "run"
	ControlPause    ControlStatus = "pause"
	ControlShutdown ControlStatus = "shutdown"
)

// HistoryRecorder is the non-authoritative audit log contract the
// controller writes to. Satisfied by *store.Store; kept as an interface
// here so jobs doesn't import store (store imports jobs instead).
type HistoryRecorder interface {
	RecordTransition(uid, user, jobType, oldStatus, newStatus string) error
	RecordTermination(uid, user, jobType, finalStatus string) error
}

// Spooler is the single-threaded control loop that owns the queue, the
// engine, and the set of currently dispatched apps. Grounded on
// original_source/src/snijder/spooler.py's JobSpooler.
type Spooler struct {
	dirs            *spool.Dirs
	queue           *JobQueue
	engine          *Engine
	jobfileVersion  string
	backendSpoolDir string
	tickInterval    time.Duration
	history         HistoryRecorder

	mu     sync.Mutex
	status ControlStatus

	watcher       *fsnotify.Watcher
	newFileEvents chan string

	inFlight     map[string]*AppSpec
	dispatchedAt map[string]time.Time

	// defaultExecutable looks up the operator-configured fallback
	// executable for a jobtype (config.Config.DefaultExecutable), used
	// by NewAppSpec when a jobfile's own [hucore].executable is blank.
	// Left nil means no fallback is configured.
	defaultExecutable func(jobType string) string
}

// SetDefaultExecutable installs the per-jobtype fallback executable
// lookup. Kept as a setter rather than a constructor argument so existing
// callers (including tests) that don't care about the fallback are
// unaffected.
func (s *Spooler) SetDefaultExecutable(fn func(jobType string) string) {
	s.defaultExecutable = fn
}

func NewSpooler(dirs *spool.Dirs, queue *JobQueue, engine *Engine, jobfileVersion string, tickInterval time.Duration, history HistoryRecorder) *Spooler {
	return &Spooler{
		dirs:            dirs,
		queue:           queue,
		engine:          engine,
		jobfileVersion:  jobfileVersion,
		backendSpoolDir: filepath.Join(dirs.Base, "backend"),
		tickInterval:    tickInterval,
		history:         history,
		status:          ControlRun,
		newFileEvents:   make(chan string, 64),
		inFlight:        make(map[string]*AppSpec),
		dispatchedAt:    make(map[string]time.Time),
	}
}

func (s *Spooler) getStatus() ControlStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// setStatus is a no-op when newstatus already equals the current status,
// matching the original status property setter.
func (s *Spooler) setStatus(st ControlStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == st {
		return
	}
	levellog.Infof("spooler: status %s -> %s", s.status, st)
	s.status = st
}

// StartWatch begins a non-recursive watch on spool/new, forwarding file
// creation events onto the control loop's channel. Grounded on the
// teacher's watchLoop pattern and the original's pyinotify IN_CREATE-only,
// non-recursive JobFileHandler.
func (s *Spooler) StartWatch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(s.dirs.New); err != nil {
		_ = w.Close()
		return err
	}
	s.watcher = w

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&fsnotify.Create != 0 {
					s.newFileEvents <- ev.Name
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				levellog.Errorf("spool watch error: %s", err)
			}
		}
	}()
	return nil
}

func (s *Spooler) StopWatch() {
	if s.watcher != nil {
		_ = s.watcher.Close()
	}
}

// ProcessPreExisting handles files already sitting in new/ and cur/ at
// startup, closing the startup race the original flags: new/ files are
// processed through the normal parse-and-enqueue path, cur/ files are
// resumed in place.
func (s *Spooler) ProcessPreExisting() {
	for _, name := range s.dirs.NewFiles {
		s.handleNewFile(filepath.Join(s.dirs.New, name))
	}
	for _, name := range s.dirs.CurFiles {
		s.resumeCurFile(filepath.Join(s.dirs.Cur, name))
	}
}

func (s *Spooler) resumeCurFile(path string) {
	res := ParseFile(path, s.jobfileVersion)
	if res.Err != nil {
		levellog.Warnf("orphaned cur/ file %s could not be resumed: %s", path, res.Err)
		if _, err := spool.Move(path, res.UID, s.dirs.Done, ".orphaned"); err != nil {
			levellog.Errorf("moving orphaned file %s: %s", path, err)
		}
		return
	}

	job := res.Job
	job.Fname = path
	job.OnStatusChange(s.onJobStatusChange)

	if job.Type == JobTypeDeleteJobs {
		s.queue.AddDeletion(job.IDs...)
		_, _ = spool.Move(path, job.UID, s.dirs.Done, ".jobfile")
		return
	}
	if err := s.queue.Append(job); err != nil {
		levellog.Errorf("resuming job %s from cur/: %s", job.UID, err)
	}
}

// Run executes the control loop until a shutdown request arrives.
func (s *Spooler) Run() {
	for {
		s.checkStatusRequest()

		switch s.getStatus() {
		case ControlRun:
			s.drainNewFiles()
			s.processDeletions()
			_ = s.engine.Progress()
			s.collectStateTransitions()

			counts := s.engine.Counts()
			if counts.Running+counts.Submitted > 0 {
				time.Sleep(time.Second)
				continue
			}
			s.dispatchNext()
		case ControlShutdown:
			s.cleanup()
			return
		case ControlPause:
			// nothing to do this tick
		}

		time.Sleep(s.tickInterval)
	}
}

// checkStatusRequest drains at most one request per tick, in the fixed
// order shutdown, refresh, pause, run.
func (s *Spooler) checkStatusRequest() {
	for _, name := range []string{"shutdown", "refresh", "pause", "run"} {
		path := s.dirs.RequestFile(name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := os.Remove(path); err != nil {
			levellog.Warnf("removing request file %s: %s", path, err)
		}
		s.applyRequest(name)
		return
	}
}

func (s *Spooler) applyRequest(name string) {
	switch name {
	case "shutdown":
		s.setStatus(ControlShutdown)
	case "refresh":
		levellog.Infof("spooler: refresh requested")
		_ = s.queue.ForceFlush()
		s.dumpQueueDetails()
	case "pause":
		s.setStatus(ControlPause)
	case "run":
		s.setStatus(ControlRun)
	default:
		levellog.Warnf("ignoring unknown control request %q", name)
	}
}

// dumpQueueDetails is the human-readable periodic log dump, grounded on
// queue_details_hr's first-5-job truncation.
func (s *Spooler) dumpQueueDetails() {
	procs := s.queue.Processing()
	queued := s.queue.JobList()
	levellog.Infof("queue: %d processing, %d queued", len(procs), len(queued))

	const max = 5
	shown := queued
	if len(shown) > max {
		shown = shown[:max]
	}
	for _, uid := range shown {
		if j := s.queue.Get(uid); j != nil {
			levellog.Infof("  queued: %s user=%s type=%s", j.UID, j.User, j.Type)
		}
	}
	if len(queued) > max {
		levellog.Infof("  ... and %d more", len(queued)-max)
	}
}

func (s *Spooler) drainNewFiles() {
	for {
		select {
		case path := <-s.newFileEvents:
			s.handleNewFile(path)
		default:
			return
		}
	}
}

// handleNewFile parses one jobfile found in spool/new and either rejects
// it, folds it into the deletion list, or enqueues it. Grounded on
// original_source/src/snijder/jobs.py's process_jobfile.
func (s *Spooler) handleNewFile(path string) {
	res := ParseFile(path, s.jobfileVersion)
	if res.Err != nil {
		levellog.Errorf("rejecting jobfile %s: %s", path, res.Err)
		if _, err := spool.Move(path, res.UID, s.dirs.Done, ".invalid"); err != nil {
			levellog.Errorf("moving invalid jobfile %s: %s", path, err)
		}
		return
	}

	job := res.Job
	job.OnStatusChange(s.onJobStatusChange)

	if job.Type == JobTypeDeleteJobs {
		levellog.Infof("jobfile %s requests deletion of %d job(s)", path, len(job.IDs))
		s.queue.AddDeletion(job.IDs...)
		if _, err := spool.Move(path, job.UID, s.dirs.Done, ".jobfile"); err != nil {
			levellog.Errorf("moving processed deletejobs file %s: %s", path, err)
		}
		return
	}

	curPath, err := spool.Move(path, job.UID, s.dirs.Cur, ".jobfile")
	if err != nil {
		levellog.Errorf("moving jobfile %s to cur/: %s", path, err)
		return
	}
	job.Fname = curPath

	if err := s.queue.Append(job); err != nil {
		levellog.Errorf("enqueueing job %s: %s", job.UID, err)
	}
}

func (s *Spooler) processDeletions() {
	pending := s.queue.DeletionList()
	if len(pending) == 0 {
		return
	}
	pendingSet := make(map[string]bool, len(pending))
	for _, id := range pending {
		pendingSet[id] = true
	}

	uids := make([]string, 0, len(s.inFlight))
	for uid := range s.inFlight {
		uids = append(uids, uid)
	}
	for _, uid := range uids {
		if pendingSet[uid] {
			s.killRunningJob(uid)
			s.queue.RemoveFromDeletionList(uid)
		}
	}

	s.queue.ProcessDeletionList()
}

// killGracePeriod bounds how long killRunningJob waits for the engine to
// actually observe TERMINATED after Kill before giving up and forcing
// removal anyway.
const killGracePeriod = 5 * time.Second

// killRunningJob kills uid's in-flight process and blocks until the engine
// reports TERMINATED (or killGracePeriod elapses), then removes uid from
// the queue and moves its jobfile to done/ in every outcome. Kill only
// cancels/signals the child; the termination transition is pushed
// asynchronously once cmd.Wait() returns, so this must wait on the
// transition channel rather than poll it once.
func (s *Spooler) killRunningJob(uid string) {
	levellog.Warnf("killing in-flight job %s per deletion request", uid)
	if err := s.engine.Kill(uid); err != nil {
		levellog.Errorf("kill(%s): %s", uid, err)
	}

	terminated := false
	deadline := time.Now().Add(killGracePeriod)
	for time.Now().Before(deadline) {
		st, ok := s.engine.WaitTransition(uid, 250*time.Millisecond)
		if !ok {
			continue
		}
		s.propagateTransition(uid, st)
		if st == StatusTerminated {
			terminated = true
			break
		}
	}

	if !terminated {
		levellog.Criticalf("job %s did not report TERMINATED after kill", uid)
		s.forceTerminate(uid)
	}
	_ = s.queue.Flush()
}

// forceTerminate performs the same queue-removal/file-motion/release steps
// as a normal TERMINATED transition, for the case where the engine itself
// never produced one (a wedged or unresponsive backend process). It must
// still pull the job out of processing and move its file to done/, or the
// job lingers in cur/ and in the queue forever despite being killed.
func (s *Spooler) forceTerminate(uid string) {
	job := s.queue.Get(uid)
	if job == nil {
		if spec, ok := s.inFlight[uid]; ok {
			job = spec.Job
		} else {
			return
		}
	}
	s.queue.SetJobStatus(job, StatusTerminated)
	s.onJobTerminated(uid, job)
}

// collectStateTransitions iterates a snapshot of the in-flight uids, not
// the live map, so that a TERMINATED transition removing an entry mid-loop
// can never skip or re-visit another entry — the two-phase collect-then-
// remove fix for the original's known apps-mutation-while-iterating bug.
func (s *Spooler) collectStateTransitions() {
	uids := make([]string, 0, len(s.inFlight))
	for uid := range s.inFlight {
		uids = append(uids, uid)
	}
	for _, uid := range uids {
		for {
			st, ok := s.engine.PollTransition(uid)
			if !ok {
				break
			}
			s.propagateTransition(uid, st)
		}
	}
}

func (s *Spooler) propagateTransition(uid string, st Status) {
	job := s.queue.Get(uid)
	if job == nil {
		if spec, ok := s.inFlight[uid]; ok {
			job = spec.Job
		} else {
			return
		}
	}
	s.queue.SetJobStatus(job, st)
	if st == StatusTerminated {
		s.onJobTerminated(uid, job)
	}
}

func (s *Spooler) onJobTerminated(uid string, job *JobDescription) {
	if job.Fname != "" {
		if _, err := spool.Move(job.Fname, job.UID, s.dirs.Done, ".jobfile"); err != nil {
			levellog.Errorf("moving terminated job %s to done/: %s", job.UID, err)
		}
	}

	outDir := filepath.Join(s.backendSpoolDir, "results_"+uid)
	if term, ok := s.engine.Transcript(uid); ok {
		if err := term.WriteTranscript(filepath.Join(outDir, "transcript.html")); err != nil {
			levellog.Warnf("writing transcript for %s: %s", uid, err)
		}
	}
	if err := cleanup.DeleteEmptyFolders(outDir); err != nil {
		levellog.Warnf("pruning result dir %s: %s", outDir, err)
	}

	if startedAt, ok := s.dispatchedAt[uid]; ok {
		levellog.Infof("job %s terminated after %s, final status %s", uid, time.Since(startedAt).Round(time.Millisecond), job.Status)
	}
	delete(s.inFlight, uid)
	delete(s.dispatchedAt, uid)
	s.engine.Release(uid)

	if s.history != nil {
		if err := s.history.RecordTermination(job.UID, job.User, string(job.Type), string(job.Status)); err != nil {
			levellog.Warnf("recording history for %s: %s", job.UID, err)
		}
	}
}

func (s *Spooler) dispatchNext() {
	job := s.queue.NextJob()
	if job == nil {
		return
	}

	defaultExec := ""
	if s.defaultExecutable != nil {
		defaultExec = s.defaultExecutable(string(job.Type))
	}
	spec, err := NewAppSpec(job, s.backendSpoolDir, defaultExec)
	if err != nil {
		// App construction failures must not break the loop (§4.4), but
		// NextJob already popped job into processing: it must come back
		// out or it lingers there forever with no app ever tracking it.
		levellog.Errorf("constructing app for job %s: %s", job.UID, err)
		s.queue.Remove(job.UID, true)
		return
	}

	s.inFlight[job.UID] = spec
	s.dispatchedAt[job.UID] = time.Now()
	if err := s.engine.Add(spec); err != nil {
		// Add can fail after already claiming the engine's single
		// in-flight slot (e.g. MkdirAll/pty.Start failing on a bad
		// executable path), so the slot must be released here or every
		// later Add permanently refuses with "already in flight".
		levellog.Errorf("dispatching job %s: %s", job.UID, err)
		delete(s.inFlight, job.UID)
		delete(s.dispatchedAt, job.UID)
		s.engine.Release(job.UID)
		s.queue.Remove(job.UID, true)
	}
}

// cleanup runs once on shutdown: kill anything still in flight, tick the
// engine, report leftover RUNNING jobs, and re-check resource dir hygiene.
func (s *Spooler) cleanup() {
	levellog.Infof("spooler: shutting down, cleaning up")

	uids := make([]string, 0, len(s.inFlight))
	for uid := range s.inFlight {
		uids = append(uids, uid)
	}
	for _, uid := range uids {
		s.killRunningJob(uid)
	}

	_ = s.engine.Progress()
	counts := s.engine.Counts()
	if counts.Running > 0 {
		levellog.Warnf("spooler: %d job(s) still RUNNING at shutdown", counts.Running)
	}
	if err := s.engine.Setup(); err != nil {
		levellog.Warnf("spooler: resource dirs not clean at shutdown: %s", err)
	}
}

func (s *Spooler) onJobStatusChange(job *JobDescription, old, new Status) {
	if s.history == nil {
		return
	}
	if err := s.history.RecordTransition(job.UID, job.User, string(job.Type), string(old), string(new)); err != nil {
		levellog.Warnf("recording status transition for %s: %s", job.UID, err)
	}
}
