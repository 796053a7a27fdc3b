// SPDX-License-Identifier: AGPL-3.0-only
package jobs

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/process"

	"snijder/internal/terminal"
)

// Counts mirrors the backend contract's counts() -> {NEW,SUBMITTED,...}.
type Counts struct {
	New         int
	Submitted   int
	Running     int
	Terminating int
	Terminated  int
	Unknown     int
	Stopped     int
	Total       int
}

// Resource describes one configured execution resource directory, per
// get_resources() in the engine contract (§6.2).
type Resource struct {
	Name string
	Dir  string
}

type runningApp struct {
	uid  string
	spec *AppSpec
	cmd  *exec.Cmd
	ptmx *os.File
	term *terminal.Terminal

	mu          sync.Mutex
	state       Status
	transitions chan Status

	startedAt time.Time
	cancel    context.CancelFunc
	exitErr   error
}

func (ra *runningApp) push(s Status) {
	ra.mu.Lock()
	ra.state = s
	ra.mu.Unlock()
	ra.transitions <- s
}

func (ra *runningApp) getState() Status {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	return ra.state
}

// Engine wraps direct local child-process execution behind the
// Execution-Engine Adapter contract (§4.3/§6.2). Only one app runs at a
// time, matching "a local-execution backend (one running child process at
// a time)" from the purpose statement (§1) directly, rather than relying
// solely on the controller's single-flight dispatch discipline.
type Engine struct {
	mu           sync.Mutex
	resourceDirs []string
	resource     string
	current      *runningApp
}

func NewEngine(resourceDirs []string) *Engine {
	return &Engine{resourceDirs: resourceDirs}
}

// Setup inspects every configured resource directory for leftover pid
// files. A file whose name parses as an integer is treated as a pid; if
// that process is alive and its command line references the resource
// directory (our own worker marks its working directory this way), the
// resource is unclean and Setup refuses to proceed, as the original
// check_running_gc3_jobs/check_gc3_resources did via psutil.
func (e *Engine) Setup() error {
	var offending []string

	for _, dir := range e.activeResourceDirs() {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return errors.Wrapf(err, "scanning resource dir %s", dir)
		}

		for _, ent := range entries {
			if ent.IsDir() {
				continue
			}
			pid, err := strconv.Atoi(ent.Name())
			if err != nil {
				continue
			}
			path := filepath.Join(dir, ent.Name())

			proc, err := process.NewProcess(int32(pid))
			if err != nil {
				// No such process: stale pid file, safe to remove.
				_ = os.Remove(path)
				continue
			}
			cmdline, _ := proc.Cmdline()
			if strings.Contains(cmdline, dir) {
				offending = append(offending, fmt.Sprintf("pid %d (file %s)", pid, path))
				continue
			}
			// Process exists but isn't ours: the pid file is stale.
			_ = os.Remove(path)
		}
	}

	if len(offending) > 0 {
		return errors.Errorf("resource directories unclean, live backend worker(s) found: %s", strings.Join(offending, "; "))
	}
	return nil
}

// SelectResource restricts the engine to a single named resource: both
// Setup's pid-file hygiene scan and GetResources narrow to the matching
// directory instead of every configured one.
func (e *Engine) SelectResource(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resource = name
}

// activeResourceDirs returns the resource directories Setup/GetResources
// should consider: every configured directory, or just the one matching
// e.resource when SelectResource has narrowed it. Must be called with e.mu
// unlocked; it takes the lock itself.
func (e *Engine) activeResourceDirs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.resource == "" {
		return e.resourceDirs
	}
	var out []string
	for _, dir := range e.resourceDirs {
		if filepath.Base(dir) == e.resource {
			out = append(out, dir)
		}
	}
	return out
}

// GetResources lists the configured resource directories, narrowed to the
// selected one if SelectResource was called.
func (e *Engine) GetResources() []Resource {
	dirs := e.activeResourceDirs()
	out := make([]Resource, 0, len(dirs))
	for _, dir := range dirs {
		out = append(out, Resource{Name: filepath.Base(dir), Dir: dir})
	}
	return out
}

// Add starts spec's process immediately. The caller (the control loop) is
// responsible for enforcing single-flight dispatch before calling Add;
// Add itself refuses a second concurrent app as a defensive invariant
// check, matching "one running child process at a time".
func (e *Engine) Add(spec *AppSpec) error {
	e.mu.Lock()
	if e.current != nil {
		e.mu.Unlock()
		return errors.New("engine already has an app in flight")
	}
	ra := &runningApp{
		uid:         spec.Job.UID,
		spec:        spec,
		term:        terminal.New(2000),
		transitions: make(chan Status, 8),
	}
	e.current = ra
	e.mu.Unlock()

	ra.push(StatusNew)
	ra.push(StatusSubmitted)

	if err := os.MkdirAll(spec.OutputDir, 0o755); err != nil {
		ra.exitErr = err
		ra.push(StatusTerminated)
		return errors.Wrapf(err, "creating output dir %s", spec.OutputDir)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ra.cancel = cancel
	cmd := exec.CommandContext(ctx, spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.OutputDir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	ra.cmd = cmd

	ptmx, err := pty.Start(cmd)
	if err != nil {
		cancel()
		ra.exitErr = err
		ra.push(StatusTerminated)
		return errors.Wrap(err, "starting backend process")
	}
	ra.ptmx = ptmx
	ra.startedAt = time.Now()
	ra.push(StatusRunning)

	go e.stream(ra)
	go e.awaitExit(ra)
	return nil
}

func (e *Engine) stream(ra *runningApp) {
	buf := make([]byte, 32*1024)
	for {
		n, err := ra.ptmx.Read(buf)
		if n > 0 {
			ra.term.Write(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

func (e *Engine) awaitExit(ra *runningApp) {
	err := ra.cmd.Wait()
	ra.exitErr = err
	ra.push(StatusTerminating)
	_ = ra.ptmx.Close()
	ra.push(StatusTerminated)
}

// Progress is a non-blocking tick. Our local backend drives its own state
// machine asynchronously as the child process runs, so there is nothing to
// advance here; Progress exists to keep the call-site shape of §4.4's
// per-tick algorithm ("b. tick the engine") even though, unlike a
// store to remote resources, there is no I/O to perform synchronously.
func (e *Engine) Progress() error {
	return nil
}

// PollTransition returns the next pending lifecycle transition for uid, if
// any is queued, without blocking. The controller drains this once per
// tick per tracked app so that every transition in NEW -> SUBMITTED ->
// RUNNING -> TERMINATING -> TERMINATED is observed and propagated in
// order, even if several land between ticks.
func (e *Engine) PollTransition(uid string) (Status, bool) {
	e.mu.Lock()
	ra := e.current
	e.mu.Unlock()
	if ra == nil || ra.uid != uid {
		return "", false
	}
	select {
	case s := <-ra.transitions:
		return s, true
	default:
		return "", false
	}
}

// WaitTransition blocks for up to timeout for uid's next pending lifecycle
// transition. Used by the controller when it must actually observe
// TERMINATED rather than merely poll for it, e.g. after Kill: the
// termination goroutine only pushes TERMINATING/TERMINATED once cmd.Wait()
// returns, which does not happen synchronously with Kill itself.
func (e *Engine) WaitTransition(uid string, timeout time.Duration) (Status, bool) {
	e.mu.Lock()
	ra := e.current
	e.mu.Unlock()
	if ra == nil || ra.uid != uid {
		return "", false
	}
	select {
	case s := <-ra.transitions:
		return s, true
	case <-time.After(timeout):
		return "", false
	}
}

// State returns the current known state of uid's app, if it is the
// in-flight one.
func (e *Engine) State(uid string) (Status, bool) {
	e.mu.Lock()
	ra := e.current
	e.mu.Unlock()
	if ra == nil || ra.uid != uid {
		return "", false
	}
	return ra.getState(), true
}

// Counts tallies the single in-flight app, if any.
func (e *Engine) Counts() Counts {
	e.mu.Lock()
	ra := e.current
	e.mu.Unlock()

	var c Counts
	if ra == nil {
		return c
	}
	c.Total = 1
	switch ra.getState() {
	case StatusNew:
		c.New = 1
	case StatusSubmitted:
		c.Submitted = 1
	case StatusRunning:
		c.Running = 1
	case StatusTerminating:
		c.Terminating = 1
	case StatusTerminated:
		c.Terminated = 1
	case StatusStopped:
		c.Stopped = 1
	default:
		c.Unknown = 1
	}
	return c
}

// Kill terminates uid's in-flight process.
func (e *Engine) Kill(uid string) error {
	e.mu.Lock()
	ra := e.current
	e.mu.Unlock()
	if ra == nil || ra.uid != uid {
		return errors.Errorf("no in-flight app with uid %s", uid)
	}
	if ra.cancel != nil {
		ra.cancel()
	}
	if ra.cmd != nil && ra.cmd.Process != nil {
		_ = ra.cmd.Process.Kill()
	}
	return nil
}

// Transcript returns the captured output buffer for uid, if it is (or
// was) the in-flight app.
func (e *Engine) Transcript(uid string) (*terminal.Terminal, bool) {
	e.mu.Lock()
	ra := e.current
	e.mu.Unlock()
	if ra == nil || ra.uid != uid {
		return nil, false
	}
	return ra.term, true
}

// Release frees the engine's single in-flight slot once the controller has
// fully processed uid's TERMINATED transition, allowing the next Add.
func (e *Engine) Release(uid string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current != nil && e.current.uid == uid {
		e.current = nil
	}
}
