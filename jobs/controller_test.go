package jobs

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"snijder/spool"
)

func newTestSpooler(t *testing.T) (*Spooler, *spool.Dirs) {
	t.Helper()
	base := t.TempDir()
	dirs, err := spool.SetupRunDirs(base)
	require.NoError(t, err)

	queue := NewJobQueue("hucore")
	queue.SetStatusFile(dirs.StatusFile("hucore"))
	engine := NewEngine(nil)

	s := NewSpooler(dirs, queue, engine, jobfileVersion, 10*time.Millisecond, nil)
	return s, dirs
}

// S3: an invalid jobfile dropped into new/ is rejected and moved aside
// rather than crashing the control loop.
func TestHandleNewFileRejectsInvalidJobfile(t *testing.T) {
	s, dirs := newTestSpooler(t)

	path := filepath.Join(dirs.New, "bad.jobfile")
	require.NoError(t, os.WriteFile(path, []byte("not an ini file"), 0o644))

	s.handleNewFile(path)

	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err), "invalid jobfile should be moved out of new/")

	entries, err := os.ReadDir(dirs.Done)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Contains(t, entries[0].Name(), ".invalid")
}

func TestHandleNewFileMovesValidJobToCurAndEnqueues(t *testing.T) {
	s, dirs := newTestSpooler(t)

	path := filepath.Join(dirs.New, "ok.jobfile")
	require.NoError(t, os.WriteFile(path, []byte(validDeconBody), 0o644))

	s.handleNewFile(path)

	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))

	curEntries, err := os.ReadDir(dirs.Cur)
	require.NoError(t, err)
	require.Len(t, curEntries, 1)

	require.Equal(t, []string{"user01"}, s.queue.Categories())
}

func TestHandleNewFileDeleteJobsFoldsIntoDeletionListAndMovesToDone(t *testing.T) {
	s, dirs := newTestSpooler(t)

	body := `[snijderjob]
version = 7
username = user01
useremail = user01@example.com
timestamp = 1700000000.0
jobtype = deletejobs

[deletejobs]
ids = target-uid
`
	path := filepath.Join(dirs.New, "del.jobfile")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	s.handleNewFile(path)

	require.Equal(t, []string{"target-uid"}, s.queue.DeletionList())
	doneEntries, err := os.ReadDir(dirs.Done)
	require.NoError(t, err)
	require.Len(t, doneEntries, 1)
}

func TestResumeCurFileOrphanedOnParseFailure(t *testing.T) {
	s, dirs := newTestSpooler(t)

	path := filepath.Join(dirs.Cur, "broken.jobfile")
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o644))

	s.resumeCurFile(path)

	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))
	doneEntries, err := os.ReadDir(dirs.Done)
	require.NoError(t, err)
	require.Len(t, doneEntries, 1)
	require.Contains(t, doneEntries[0].Name(), ".orphaned")
}

func TestResumeCurFileReappendsValidJob(t *testing.T) {
	s, dirs := newTestSpooler(t)

	path := filepath.Join(dirs.Cur, "resumed.jobfile")
	require.NoError(t, os.WriteFile(path, []byte(validDeconBody), 0o644))

	s.resumeCurFile(path)

	require.Equal(t, []string{"user01"}, s.queue.Categories())
	_, err := os.Stat(path)
	require.NoError(t, err, "resumed job stays in cur/ until it terminates")
}

// S4: a dummy/sleep job runs through NEW -> SUBMITTED -> RUNNING ->
// TERMINATING -> TERMINATED, and the controller moves its jobfile to done/
// and frees the engine once it observes TERMINATED.
func TestDummyJobEndToEndLifecycle(t *testing.T) {
	s, dirs := newTestSpooler(t)

	body := `[snijderjob]
version = 7
username = user01
useremail = user01@example.com
timestamp = 1700000000.0
jobtype = dummy

[hucore]
tasktype = sleep
executable = /bin/true
`
	path := filepath.Join(dirs.New, "dummy.jobfile")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	s.handleNewFile(path)
	require.Len(t, s.queue.Categories(), 1)

	s.dispatchNext()
	require.Len(t, s.inFlight, 1)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s.collectStateTransitions()
		if len(s.inFlight) == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	require.Empty(t, s.inFlight, "job should have terminated and been removed from in-flight tracking")

	doneEntries, err := os.ReadDir(dirs.Done)
	require.NoError(t, err)
	require.Len(t, doneEntries, 1)
	require.Contains(t, doneEntries[0].Name(), ".jobfile")

	uid := sha1Hex([]byte(body))
	require.Nil(t, s.queue.Get(uid), "terminated job must no longer be tracked by the queue")
}

// S6: control-file requests are drained one per tick, shutdown taking
// priority over a simultaneous pause/run request.
func TestCheckStatusRequestPrefersShutdownOverOthers(t *testing.T) {
	s, dirs := newTestSpooler(t)

	require.NoError(t, os.WriteFile(dirs.RequestFile("pause"), nil, 0o644))
	require.NoError(t, os.WriteFile(dirs.RequestFile("shutdown"), nil, 0o644))

	s.checkStatusRequest()
	require.Equal(t, ControlShutdown, s.getStatus())

	// The pause file must still be sitting there, untouched, for the next tick.
	_, err := os.Stat(dirs.RequestFile("pause"))
	require.NoError(t, err)
}

func TestCheckStatusRequestPauseThenRun(t *testing.T) {
	s, dirs := newTestSpooler(t)

	require.NoError(t, os.WriteFile(dirs.RequestFile("pause"), nil, 0o644))
	s.checkStatusRequest()
	require.Equal(t, ControlPause, s.getStatus())

	require.NoError(t, os.WriteFile(dirs.RequestFile("run"), nil, 0o644))
	s.checkStatusRequest()
	require.Equal(t, ControlRun, s.getStatus())
}

func TestCheckStatusRequestRefreshDoesNotChangeStatus(t *testing.T) {
	s, dirs := newTestSpooler(t)

	require.NoError(t, os.WriteFile(dirs.RequestFile("refresh"), nil, 0o644))
	s.checkStatusRequest()
	require.Equal(t, ControlRun, s.getStatus(), "refresh is transient and must not change resting status")

	_, err := os.Stat(dirs.RequestFile("refresh"))
	require.True(t, os.IsNotExist(err), "refresh request file should be consumed")
}
