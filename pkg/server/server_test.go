package server

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/exanodes/nbd/pkg/diskengine"
	"github.com/exanodes/nbd/pkg/rdev"
	"github.com/exanodes/nbd/pkg/wire"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s := New(Options{ListenAddr: "127.0.0.1:0", NumReceiveHeaders: 4, BufferSize: 4096})
	t.Cleanup(s.Stop)
	return s
}

func backingFile(t *testing.T) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "server-backing-*")
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, f.Truncate(int64(rdev.ReservedSectors+64)*rdev.SectorSize))
	return f.Name()
}

func TestExportDeviceIsIdempotent(t *testing.T) {
	s := newTestServer(t)
	id := uuid.New()
	path := backingFile(t)

	require.NoError(t, s.ExportDevice(context.Background(), id, path))
	require.NoError(t, s.ExportDevice(context.Background(), id, path))

	info, err := s.NdevInfo(id)
	require.NoError(t, err)
	require.Equal(t, int8(0), info.DiskID)
}

func TestNdevInfoUnknownDiskFails(t *testing.T) {
	s := newTestServer(t)
	_, err := s.NdevInfo(uuid.New())
	require.ErrorIs(t, err, ErrUnknownDisk)
}

func TestUnexportDeviceRemovesFromTable(t *testing.T) {
	s := newTestServer(t)
	id := uuid.New()
	require.NoError(t, s.ExportDevice(context.Background(), id, backingFile(t)))
	require.NoError(t, s.UnexportDevice(id))

	_, err := s.NdevInfo(id)
	require.ErrorIs(t, err, ErrUnknownDisk)
}

func TestUnexportUnknownDiskFails(t *testing.T) {
	s := newTestServer(t)
	require.ErrorIs(t, s.UnexportDevice(uuid.New()), ErrUnknownDisk)
}

func TestLockDelegatesToDiskEngine(t *testing.T) {
	s := newTestServer(t)
	id := uuid.New()
	require.NoError(t, s.ExportDevice(context.Background(), id, backingFile(t)))

	zone := diskengine.Zone{Sector: 0, SectorCount: 4}
	require.NoError(t, s.Lock(id, diskengine.LockZone, zone))
	require.NoError(t, s.Lock(id, diskengine.UnlockZone, zone))
	require.ErrorIs(t, s.Lock(id, diskengine.UnlockZone, zone), diskengine.ErrNoSuchZone)
}

func TestLockUnknownDiskFails(t *testing.T) {
	s := newTestServer(t)
	err := s.Lock(uuid.New(), diskengine.LockZone, diskengine.Zone{SectorCount: 1})
	require.ErrorIs(t, err, ErrUnknownDisk)
}

func TestKeepReceivingMarksExhaustionWhenPoolEmpty(t *testing.T) {
	s := New(Options{NumReceiveHeaders: 1, BufferSize: 512})
	t.Cleanup(s.Stop)

	hdr := &wire.IoDescriptor{RequestType: wire.RequestWrite, SectorCount: 1}

	buf1 := s.keepReceiving(1, hdr)
	require.NotNil(t, buf1)

	buf2 := s.keepReceiving(2, hdr)
	require.Nil(t, buf2)

	s.exhaustedMu.Lock()
	exhausted := s.exhausted[2]
	s.exhaustedMu.Unlock()
	require.True(t, exhausted)
}

func TestDeliveredUnknownDiskRepliesWithoutPanicking(t *testing.T) {
	s := New(Options{NumReceiveHeaders: 1, BufferSize: 512})
	t.Cleanup(s.Stop)

	hdr := &wire.IoDescriptor{RequestType: wire.RequestRead, SectorCount: 1, DiskID: 5, ReqNum: 1}
	// no peer registered: Send fails synchronously via ErrNoConnection, but
	// delivered must reach sendReply without panicking regardless.
	require.NotPanics(t, func() { s.delivered(1, hdr, nil) })
}

func TestDeliveredRoutesToDiskEngineAndCompletesRoundTrip(t *testing.T) {
	s := newTestServer(t)
	id := uuid.New()
	path := backingFile(t)
	require.NoError(t, s.ExportDevice(context.Background(), id, path))

	info, err := s.NdevInfo(id)
	require.NoError(t, err)

	require.NoError(t, s.AddClient(1, "127.0.0.1"))

	payload := make([]byte, wire.SectorSize)
	for i := range payload {
		payload[i] = 0x7a
	}

	writeHdr := &wire.IoDescriptor{
		RequestType: wire.RequestWrite,
		Sector:      0,
		SectorCount: 1,
		DiskID:      info.DiskID,
		ReqNum:      1,
	}
	s.delivered(1, writeHdr, payload)

	// Give the disk engine's own goroutine a moment to process the write
	// before reading it back from the backing file directly.
	time.Sleep(100 * time.Millisecond)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	off := rdev.ReservedSectors * rdev.SectorSize
	require.Equal(t, payload, data[off:off+wire.SectorSize])
}
