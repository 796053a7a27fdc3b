package jobs

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSetupRemovesStalePidFiles(t *testing.T) {
	dir := t.TempDir()
	// A pid that almost certainly doesn't exist.
	stale := filepath.Join(dir, "999999")
	require.NoError(t, os.WriteFile(stale, nil, 0o644))

	e := NewEngine([]string{dir})
	require.NoError(t, e.Setup())

	_, err := os.Stat(stale)
	require.True(t, os.IsNotExist(err), "stale pid file should have been removed")
}

func TestSetupIgnoresMissingResourceDir(t *testing.T) {
	e := NewEngine([]string{filepath.Join(t.TempDir(), "does-not-exist")})
	require.NoError(t, e.Setup())
}

func TestSetupTreatsLiveNonWorkerPidFileAsStale(t *testing.T) {
	dir := t.TempDir()
	pidFile := filepath.Join(dir, strconv.Itoa(os.Getpid()))
	require.NoError(t, os.WriteFile(pidFile, nil, 0o644))

	e := NewEngine([]string{dir})
	err := e.Setup()
	// The test process's own cmdline won't contain dir, so Setup should
	// treat it as a stale pid file belonging to someone else and remove it
	// rather than refuse to proceed.
	require.NoError(t, err)
}

func TestEngineSingleFlightRefusesSecondAdd(t *testing.T) {
	e := NewEngine(nil)
	job1 := &JobDescription{UID: "job1", Type: JobTypeDummy, User: "alice"}
	job2 := &JobDescription{UID: "job2", Type: JobTypeDummy, User: "bob"}

	spec1, err := NewAppSpec(job1, t.TempDir(), "")
	require.NoError(t, err)
	spec1.Argv = []string{"/bin/sleep", "0.2"}

	require.NoError(t, e.Add(spec1))

	spec2, err := NewAppSpec(job2, t.TempDir(), "")
	require.NoError(t, err)
	spec2.Argv = []string{"/bin/sleep", "0.2"}
	require.Error(t, e.Add(spec2), "engine must refuse a second concurrent app")

	waitForTerminated(t, e, "job1")
}

func TestEngineLifecycleTransitionsObservedInOrder(t *testing.T) {
	e := NewEngine(nil)
	job := &JobDescription{UID: "jobA", Type: JobTypeDummy, User: "alice"}
	spec, err := NewAppSpec(job, t.TempDir(), "")
	require.NoError(t, err)
	spec.Argv = []string{"/bin/sleep", "0.1"}

	require.NoError(t, e.Add(spec))

	var seen []Status
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s, ok := e.PollTransition("jobA")
		if ok {
			seen = append(seen, s)
			if s == StatusTerminated {
				break
			}
			continue
		}
		time.Sleep(5 * time.Millisecond)
	}

	require.Equal(t, []Status{StatusNew, StatusSubmitted, StatusRunning, StatusTerminating, StatusTerminated}, seen)
	e.Release("jobA")

	counts := e.Counts()
	require.Equal(t, 0, counts.Total, "engine should be free after Release")
}

func TestEngineKillTerminatesRunningApp(t *testing.T) {
	e := NewEngine(nil)
	job := &JobDescription{UID: "jobK", Type: JobTypeDummy, User: "alice"}
	spec, err := NewAppSpec(job, t.TempDir(), "")
	require.NoError(t, err)
	spec.Argv = []string{"/bin/sleep", "30"}

	require.NoError(t, e.Add(spec))
	waitForState(t, e, "jobK", StatusRunning)

	require.NoError(t, e.Kill("jobK"))
	waitForTerminated(t, e, "jobK")
}

func waitForState(t *testing.T, e *Engine, uid string, want Status) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s, ok := e.State(uid); ok && s == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s to reach %s", uid, want)
}

func waitForTerminated(t *testing.T, e *Engine, uid string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := e.PollTransition(uid); ok {
			if s, _ := e.State(uid); s == StatusTerminated {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s to terminate", uid)
}
