package bulkimport

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(start time.Time) (func() time.Time, func(time.Duration)) {
	now := start
	return func() time.Time { return now }, func(d time.Duration) { now = now.Add(d) }
}

func TestStatus_Lifecycle(t *testing.T) {
	st := NewStatus()
	clock, advance := fixedClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	st.now = clock

	snap := st.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Nil(t, snap.StartTime)
	assert.False(t, st.RequestStop())

	p := Parameters{SourceName: "/src", TargetName: "/dst", BatchSize: 5, Threads: 2}
	require.True(t, st.TryStart(p))
	assert.False(t, st.TryStart(p))

	st.commit([]ItemResult{
		{Item: &ImportableItem{IsDirectory: true}, Outcome: OutcomeCreated},
		{Item: &ImportableItem{}, Outcome: OutcomeCreated, Bytes: 100, Properties: 2},
		{Item: &ImportableItem{}, Outcome: OutcomeVersioned, Bytes: 50, Versions: 1},
		{Item: &ImportableItem{}, Outcome: OutcomeSkipped},
	}, nil, 0)
	advance(10 * time.Second)

	snap = st.Snapshot()
	assert.True(t, snap.InProgress)
	assert.Equal(t, "/src", snap.Source)
	assert.Equal(t, 5, snap.BatchSize)
	assert.EqualValues(t, 4, snap.Successes)
	assert.EqualValues(t, 1, snap.FoldersCreated)
	assert.EqualValues(t, 1, snap.ContentCreated)
	assert.EqualValues(t, 1, snap.ContentVersioned)
	assert.EqualValues(t, 1, snap.ContentSkipped)
	assert.EqualValues(t, 150, snap.BytesWritten)
	assert.EqualValues(t, 2, snap.PropertiesWritten)
	assert.Equal(t, 10*time.Second, snap.Elapsed)
	assert.InDelta(t, 0.2, snap.FilesPerSecond, 1e-9)
	assert.InDelta(t, 15, snap.BytesPerSecond, 1e-9)
	assert.Nil(t, snap.EndTime)

	require.True(t, st.RequestStop())
	assert.False(t, st.RequestStop())
	assert.True(t, st.halted())
	assert.Equal(t, StateStopped, st.finish(nil))

	advance(time.Minute)
	snap = st.Snapshot()
	assert.False(t, snap.InProgress)
	require.NotNil(t, snap.EndTime)
	assert.Equal(t, 10*time.Second, snap.Elapsed, "elapsed freezes at the end")

	require.True(t, st.TryStart(p))
	snap = st.Snapshot()
	assert.Zero(t, snap.Successes, "a new run resets counters")
	assert.Nil(t, snap.EndTime)
}

func TestStatus_FailureThreshold(t *testing.T) {
	st := NewStatus()
	require.True(t, st.TryStart(Parameters{}))

	st.fail("/a", errors.New("boom"), 2)
	assert.False(t, st.halted())
	st.commit(nil, []itemFailure{{item: &ImportableItem{Path: "/b"}, err: errors.New("bang")}}, 2)
	assert.True(t, st.halted())

	assert.Equal(t, StateFailed, st.finish(nil))
	snap := st.Snapshot()
	assert.EqualValues(t, 2, snap.Failures)
	assert.EqualValues(t, 1, snap.BatchesCompleted)
	assert.Equal(t, "failure threshold of 2 reached, last error: bang", snap.LastError)
	require.Len(t, snap.RecentFailures, 2)
	assert.Equal(t, "/a", snap.RecentFailures[0].Path)
}

func TestStatus_RecentFailuresBounded(t *testing.T) {
	st := NewStatus()
	require.True(t, st.TryStart(Parameters{}))
	for i := range maxRecentFailures + 10 {
		st.fail(fmt.Sprintf("/f%d", i), errors.New("nope"), 0)
	}
	snap := st.Snapshot()
	assert.EqualValues(t, maxRecentFailures+10, snap.Failures)
	require.Len(t, snap.RecentFailures, maxRecentFailures)
	assert.Equal(t, "/f10", snap.RecentFailures[0].Path)
	assert.Equal(t, StateCompleted, st.finish(nil))
}

func TestStatus_MetadataErrorCountsTwice(t *testing.T) {
	st := NewStatus()
	require.True(t, st.TryStart(Parameters{}))
	st.commit([]ItemResult{{
		Item:        &ImportableItem{Path: "/x"},
		Outcome:     OutcomeCreated,
		MetadataErr: errors.New("bad sidecar"),
	}}, nil, 0)
	snap := st.Snapshot()
	assert.EqualValues(t, 1, snap.Successes)
	assert.EqualValues(t, 1, snap.Failures)
	assert.Equal(t, "bad sidecar", snap.LastError)
}

func TestStatus_FinishWithError(t *testing.T) {
	st := NewStatus()
	require.True(t, st.TryStart(Parameters{}))
	st.scanned(&Listing{
		Files:      []*ImportableItem{{Size: 3, Versions: []VersionEntry{{Size: 2}}}, {Size: 1}},
		Unreadable: []string{"/x.v1"},
	})
	st.workerBusy(1)
	st.retried()

	assert.Equal(t, StateFailed, st.finish(fatal("scan source", errors.New("denied"))))
	snap := st.Snapshot()
	assert.Equal(t, "fatal: scan source: denied", snap.LastError)
	assert.EqualValues(t, 1, snap.FoldersScanned)
	assert.EqualValues(t, 3, snap.FilesScanned)
	assert.EqualValues(t, 6, snap.BytesScanned)
	assert.EqualValues(t, 1, snap.UnreadableEntries)
	assert.EqualValues(t, 1, snap.BatchesRetried)
	assert.Equal(t, 1, snap.ActiveWorkers)
}
