package stats

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestSnapshotOfUnknownDiskIsZero(t *testing.T) {
	r := New(Options{Role: "test"})
	snap := r.Snapshot(uuid.New())
	require.Zero(t, snap.ReadRequests)
	require.Zero(t, snap.WriteRequests)
}

func TestRequestStartedAndFinishedUpdateSnapshot(t *testing.T) {
	r := New(Options{Role: "test"})
	disk := uuid.New()

	tok := r.RequestStarted(disk, Write, 4)
	snap := r.Snapshot(disk)
	require.EqualValues(t, 1, snap.WriteRequests)
	require.EqualValues(t, 1, snap.InFlight)

	r.RequestFinished(tok, true)
	snap = r.Snapshot(disk)
	require.EqualValues(t, 1, snap.WriteRequests)
	require.EqualValues(t, 4*512, snap.WriteBytes)
	require.EqualValues(t, 0, snap.InFlight)
	require.EqualValues(t, 0, snap.WriteErrors)
}

func TestRequestFinishedFailureIncrementsErrors(t *testing.T) {
	r := New(Options{Role: "test"})
	disk := uuid.New()

	tok := r.RequestStarted(disk, Read, 1)
	r.RequestFinished(tok, false)

	snap := r.Snapshot(disk)
	require.EqualValues(t, 1, snap.ReadErrors)
}

func TestSnapshotKeepsDisksIndependent(t *testing.T) {
	r := New(Options{Role: "test"})
	a, b := uuid.New(), uuid.New()

	r.RequestFinished(r.RequestStarted(a, Read, 1), true)
	r.RequestFinished(r.RequestStarted(b, Write, 2), true)

	snapA := r.Snapshot(a)
	snapB := r.Snapshot(b)
	require.EqualValues(t, 1, snapA.ReadRequests)
	require.EqualValues(t, 0, snapA.WriteRequests)
	require.EqualValues(t, 1, snapB.WriteRequests)
	require.EqualValues(t, 0, snapB.ReadRequests)
}

func TestSnapshotStringIncludesHumanReadableBytes(t *testing.T) {
	r := New(Options{Role: "test"})
	disk := uuid.New()
	r.RequestFinished(r.RequestStarted(disk, Read, 2048), true)

	s := r.Snapshot(disk).String()
	require.Contains(t, s, disk.String())
	require.Contains(t, s, "reads=1")
	require.Contains(t, s, "(1.0 MB)") // 2048 sectors * 512 bytes
}
