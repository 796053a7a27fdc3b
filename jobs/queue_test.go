package jobs

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newJobFor(t *testing.T, uid, user string) *JobDescription {
	t.Helper()
	return &JobDescription{
		UID:     uid,
		Type:    JobTypeHucore,
		User:    user,
		Email:   user + "@example.com",
		Ver:     "7",
		Infiles: []string{"/data/" + uid + ".tif"},
	}
}

func TestAppendThenNextJobSingleCategory(t *testing.T) {
	q := NewJobQueue("hucore")
	j1 := newJobFor(t, "uid1", "alice")
	j2 := newJobFor(t, "uid2", "alice")

	require.NoError(t, q.Append(j1))
	require.NoError(t, q.Append(j2))
	require.Equal(t, StatusQueued, j1.Status)

	got := q.NextJob()
	require.Equal(t, "uid1", got.UID)
	require.Equal(t, []string{"alice"}, q.Categories())
}

func TestAppendDuplicateUIDFails(t *testing.T) {
	q := NewJobQueue("hucore")
	j1 := newJobFor(t, "uid1", "alice")
	require.NoError(t, q.Append(j1))
	require.Error(t, q.Append(newJobFor(t, "uid1", "bob")))
}

func TestNextJobRoundRobinsAcrossCategories(t *testing.T) {
	q := NewJobQueue("hucore")
	require.NoError(t, q.Append(newJobFor(t, "a1", "alice")))
	require.NoError(t, q.Append(newJobFor(t, "a2", "alice")))
	require.NoError(t, q.Append(newJobFor(t, "b1", "bob")))

	first := q.NextJob()
	second := q.NextJob()
	third := q.NextJob()

	require.Equal(t, "a1", first.UID)
	require.Equal(t, "b1", second.UID)
	require.Equal(t, "a2", third.UID)

	require.Nil(t, q.NextJob(), "queue should be drained")
}

func TestNextJobDropsExhaustedCategory(t *testing.T) {
	q := NewJobQueue("hucore")
	require.NoError(t, q.Append(newJobFor(t, "a1", "alice")))
	require.NoError(t, q.Append(newJobFor(t, "b1", "bob")))
	require.NoError(t, q.Append(newJobFor(t, "b2", "bob")))

	require.Equal(t, "a1", q.NextJob().UID)
	require.Equal(t, "b1", q.NextJob().UID)
	require.Equal(t, []string{"bob"}, q.Categories(), "alice's empty category should be dropped from rotation")
	require.Equal(t, "b2", q.NextJob().UID)
}

func TestRemoveFromFIFOBeforeDispatch(t *testing.T) {
	q := NewJobQueue("hucore")
	j1 := newJobFor(t, "a1", "alice")
	j2 := newJobFor(t, "a2", "alice")
	require.NoError(t, q.Append(j1))
	require.NoError(t, q.Append(j2))

	removed := q.Remove("a1", false)
	require.Equal(t, "a1", removed.UID)
	require.Equal(t, "a2", q.NextJob().UID)
}

func TestRemoveFromProcessing(t *testing.T) {
	q := NewJobQueue("hucore")
	j1 := newJobFor(t, "a1", "alice")
	require.NoError(t, q.Append(j1))
	require.Equal(t, "a1", q.NextJob().UID)
	require.Equal(t, []string{"a1"}, q.Processing())

	removed := q.Remove("a1", false)
	require.Equal(t, "a1", removed.UID)
	require.Empty(t, q.Processing())
}

func TestSetJobStatusTerminatedRemovesFromQueue(t *testing.T) {
	q := NewJobQueue("hucore")
	j1 := newJobFor(t, "a1", "alice")
	require.NoError(t, q.Append(j1))
	q.NextJob()

	q.SetJobStatus(j1, StatusTerminated)
	require.Equal(t, StatusTerminated, j1.Status)
	require.Nil(t, q.Get("a1"))
}

func TestDoubleFlushIsSafeAndIdempotent(t *testing.T) {
	dir := t.TempDir()
	q := NewJobQueue("hucore")
	q.SetStatusFile(filepath.Join(dir, "status.json"))

	j1 := newJobFor(t, "a1", "alice")
	require.NoError(t, q.Append(j1))

	require.NoError(t, q.Flush())
	require.NoError(t, q.Flush(), "second flush with no intervening mutation must be a safe no-op")
}

func TestProcessDeletionListDrainsAndHandlesForeignUID(t *testing.T) {
	q := NewJobQueue("hucore")
	j1 := newJobFor(t, "a1", "alice")
	require.NoError(t, q.Append(j1))

	q.AddDeletion("a1", "not-in-this-queue")
	q.ProcessDeletionList()

	require.Nil(t, q.Get("a1"))
	require.Empty(t, q.DeletionList())
}

func TestRemoveFromDeletionList(t *testing.T) {
	q := NewJobQueue("hucore")
	q.AddDeletion("x1", "x2")
	q.RemoveFromDeletionList("x1")
	require.Equal(t, []string{"x2"}, q.DeletionList())
}

func TestJobListInterleaveOrder(t *testing.T) {
	q := NewJobQueue("hucore")
	require.NoError(t, q.Append(newJobFor(t, "a1", "alice")))
	require.NoError(t, q.Append(newJobFor(t, "a2", "alice")))
	require.NoError(t, q.Append(newJobFor(t, "b1", "bob")))

	require.Equal(t, []string{"a1", "b1", "a2"}, q.JobList())
}

func TestQueueDetailsJSONShapeAndOrdering(t *testing.T) {
	q := NewJobQueue("hucore")
	j1 := newJobFor(t, "a1", "alice")
	j2 := newJobFor(t, "b1", "bob")
	require.NoError(t, q.Append(j1))
	require.NoError(t, q.Append(j2))

	q.NextJob() // a1 becomes "processing"

	raw, err := q.QueueDetailsJSON()
	require.NoError(t, err)

	var doc statusDoc
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.Len(t, doc.Jobs, 2)
	require.Equal(t, "a1", doc.Jobs[0].ID, "processing jobs must be listed before queued ones")
	require.Equal(t, "b1", doc.Jobs[1].ID)
	require.Equal(t, "queued", doc.Jobs[1].Status)
	require.Equal(t, "N/A", doc.Jobs[0].Server)
}
