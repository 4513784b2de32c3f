package server_test

import (
	"bytes"
	"context"
	"os"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/google/uuid"

	"github.com/exanodes/nbd/pkg/client"
	"github.com/exanodes/nbd/pkg/diskengine"
	"github.com/exanodes/nbd/pkg/rdev"
	srv "github.com/exanodes/nbd/pkg/server"
	"github.com/exanodes/nbd/pkg/wire"
)

const (
	serverNodeID = 1
	clientNodeID = 2
	diskSectors  = 1024
)

// completionWaiter collects every end_io completion delivered for one
// device under test, the way a block layer's completion queue would, in
// the order completions arrive rather than by any caller-assigned tag
// (BlockIo carries no request id of its own).
type completionWaiter struct {
	mu      sync.Mutex
	results []int8
	bufs    [][]byte
}

func newCompletionWaiter() *completionWaiter {
	return &completionWaiter{}
}

func (w *completionWaiter) endIO(io *client.BlockIo, result int8) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.results = append(w.results, result)
	w.bufs = append(w.bufs, io.Buf)
}

func (w *completionWaiter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.results)
}

func (w *completionWaiter) snapshot() []int8 {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]int8, len(w.results))
	copy(out, w.results)
	return out
}

func waitUntil(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func backingFile() string {
	f, err := os.CreateTemp("", "e2e-backing-*")
	Expect(err).NotTo(HaveOccurred())
	defer f.Close()
	Expect(f.Truncate(int64(rdev.ReservedSectors+diskSectors) * rdev.SectorSize)).To(Succeed())
	return f.Name()
}

// harness wires one server and one client engine over a real loopback TCP
// connection and imports one disk, bringing the NDev to Active, with
// completions routed to w.
type harness struct {
	server *srv.Server
	client *client.Engine
	diskID uuid.UUID
	path   string
	ctx    context.Context
	cancel context.CancelFunc
}

func newHarness(w *completionWaiter) *harness {
	ctx, cancel := context.WithCancel(context.Background())

	s := srv.New(srv.Options{ListenAddr: "127.0.0.1:0"})
	Expect(s.Start(ctx)).To(Succeed())

	c := client.New(client.Options{MaxRequests: 16})
	c.Start(ctx)

	diskID := uuid.New()
	path := backingFile()
	Expect(s.ExportDevice(ctx, diskID, path)).To(Succeed())
	Expect(s.AddClient(clientNodeID, "127.0.0.1")).To(Succeed())

	info, err := s.NdevInfo(diskID)
	Expect(err).NotTo(HaveOccurred())

	Expect(c.OpenSession(ctx, serverNodeID, s.Addr().String())).To(Succeed())
	Expect(c.AddDevice(diskID, serverNodeID, w.endIO)).To(Succeed())
	Expect(c.BindDevice(diskID, uint64(info.SizeSectors), info.DiskID)).To(Succeed())
	Expect(c.Resume(diskID)).To(Succeed())

	return &harness{server: s, client: c, diskID: diskID, path: path, ctx: ctx, cancel: cancel}
}

func (h *harness) close() {
	h.cancel()
	h.server.Stop()
	h.client.Stop()
	os.Remove(h.path)
}

var _ = Describe("happy-path write+read", func() {
	It("reads back exactly what was written with a flush-carrying write", func() {
		w := newCompletionWaiter()
		h := newHarness(w)
		defer h.close()

		pattern := bytes.Repeat([]byte{0xAA}, 2*wire.SectorSize)
		h.client.Submit(h.ctx, h.diskID, &client.BlockIo{
			Type: client.IoWrite, StartSector: 8, SizeBytes: uint32(len(pattern)),
			Buf: pattern, FlushCache: true,
		})
		Expect(waitUntil(2*time.Second, func() bool { return w.count() >= 1 })).To(BeTrue())

		readBuf := make([]byte, 2*wire.SectorSize)
		h.client.Submit(h.ctx, h.diskID, &client.BlockIo{
			Type: client.IoRead, StartSector: 8, SizeBytes: uint32(len(readBuf)), Buf: readBuf,
		})
		Expect(waitUntil(2*time.Second, func() bool { return w.count() >= 2 })).To(BeTrue())

		for _, result := range w.snapshot() {
			Expect(result).To(Equal(wire.ResultOK))
		}
		Expect(readBuf).To(Equal(pattern))
	})
})

var _ = Describe("peer drop strands and retires", func() {
	It("retires a request stranded by a dead connection once the control plane cycles the device", func() {
		w := newCompletionWaiter()
		h := newHarness(w)
		defer h.close()

		Expect(h.server.RemoveClient(clientNodeID)).To(Succeed())

		readBuf := make([]byte, wire.SectorSize)
		h.client.Submit(h.ctx, h.diskID, &client.BlockIo{
			Type: client.IoRead, StartSector: 16, SizeBytes: wire.SectorSize, Buf: readBuf,
		})

		Consistently(func() int { return w.count() }, 200*time.Millisecond, 20*time.Millisecond).Should(Equal(0))

		Expect(h.client.Suspend(h.diskID)).To(Succeed())
		Expect(h.client.Down(h.diskID)).To(Succeed())
		Expect(h.client.Resume(h.diskID)).To(Succeed())

		Expect(waitUntil(time.Second, func() bool { return w.count() == 1 })).To(BeTrue())
		Expect(w.snapshot()).To(Equal([]int8{wire.ResultEIO}))
	})
})

var _ = Describe("rebuild lock", func() {
	It("rejects a locked overlapping write unless it bypasses the lock", func() {
		w := newCompletionWaiter()
		h := newHarness(w)
		defer h.close()

		Expect(h.server.Lock(h.diskID, diskengine.LockZone, diskengine.Zone{Sector: 0, SectorCount: 64})).To(Succeed())

		buf := bytes.Repeat([]byte{0x01}, 4*wire.SectorSize)
		h.client.Submit(h.ctx, h.diskID, &client.BlockIo{
			Type: client.IoWrite, StartSector: 10, SizeBytes: uint32(len(buf)), Buf: buf, BypassLock: false,
		})
		Expect(waitUntil(time.Second, func() bool { return w.count() >= 1 })).To(BeTrue())
		Expect(w.snapshot()[0]).To(Equal(wire.ResultEAGAIN))

		h.client.Submit(h.ctx, h.diskID, &client.BlockIo{
			Type: client.IoWrite, StartSector: 10, SizeBytes: uint32(len(buf)), Buf: buf, BypassLock: true,
		})
		Expect(waitUntil(time.Second, func() bool { return w.count() >= 2 })).To(BeTrue())
		Expect(w.snapshot()[1]).To(Equal(wire.ResultOK))
	})
})

var _ = Describe("flush semantics", func() {
	It("only completes the flush after both prior writes, and issues exactly one RDEV flush", func() {
		w := newCompletionWaiter()
		h := newHarness(w)
		defer h.close()

		ones := bytes.Repeat([]byte{0x01}, wire.SectorSize)
		twos := bytes.Repeat([]byte{0x02}, wire.SectorSize)

		h.client.Submit(h.ctx, h.diskID, &client.BlockIo{Type: client.IoWrite, StartSector: 0, SizeBytes: wire.SectorSize, Buf: ones})
		h.client.Submit(h.ctx, h.diskID, &client.BlockIo{Type: client.IoWrite, StartSector: 1, SizeBytes: wire.SectorSize, Buf: twos})
		h.client.Submit(h.ctx, h.diskID, &client.BlockIo{Type: client.IoWrite, StartSector: 0, SizeBytes: 0, FlushCache: true})

		Expect(waitUntil(2*time.Second, func() bool { return w.count() == 3 })).To(BeTrue())
		for _, r := range w.snapshot() {
			Expect(r).To(Equal(wire.ResultOK))
		}

		count, err := h.server.DiskFlushCount(h.diskID)
		Expect(err).NotTo(HaveOccurred())
		Expect(count).To(Equal(int64(1)))
	})
})

var _ = Describe("back-pressure", func() {
	It("completes every request with no lost requests even past the RDEV ring capacity", func() {
		w := newCompletionWaiter()
		h := newHarness(w)
		defer h.close()

		const total = 68 // default RDEV window (64) + 4

		for i := 0; i < total; i++ {
			buf := bytes.Repeat([]byte{byte(i)}, wire.SectorSize)
			sector := uint64(i % diskSectors)
			h.client.Submit(h.ctx, h.diskID, &client.BlockIo{
				Type: client.IoWrite, StartSector: sector, SizeBytes: wire.SectorSize, Buf: buf,
			})
		}

		Expect(waitUntil(5*time.Second, func() bool { return w.count() == total })).To(BeTrue())
		for _, r := range w.snapshot() {
			Expect(r).To(Equal(wire.ResultOK))
		}
	})
})

var _ = Describe("receive pool exhaustion", func() {
	It("fails at least 3 of 5 pipelined one-sector writes with EIO and stays framing-synchronized", func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		s := srv.New(srv.Options{ListenAddr: "127.0.0.1:0", NumReceiveHeaders: 2})
		Expect(s.Start(ctx)).To(Succeed())
		defer s.Stop()

		c := client.New(client.Options{MaxRequests: 16})
		c.Start(ctx)
		defer c.Stop()

		diskID := uuid.New()
		path := backingFile()
		defer os.Remove(path)
		Expect(s.ExportDevice(ctx, diskID, path)).To(Succeed())
		Expect(s.AddClient(clientNodeID, "127.0.0.1")).To(Succeed())

		info, err := s.NdevInfo(diskID)
		Expect(err).NotTo(HaveOccurred())

		w := newCompletionWaiter()
		Expect(c.OpenSession(ctx, serverNodeID, s.Addr().String())).To(Succeed())
		Expect(c.AddDevice(diskID, serverNodeID, w.endIO)).To(Succeed())
		Expect(c.BindDevice(diskID, uint64(info.SizeSectors), info.DiskID)).To(Succeed())
		Expect(c.Resume(diskID)).To(Succeed())

		for i := 0; i < 5; i++ {
			buf := bytes.Repeat([]byte{byte(i)}, wire.SectorSize)
			c.Submit(ctx, diskID, &client.BlockIo{
				Type: client.IoWrite, StartSector: uint64(i), SizeBytes: wire.SectorSize, Buf: buf,
			})
		}

		Expect(waitUntil(3*time.Second, func() bool { return w.count() == 5 })).To(BeTrue())

		eioCount := 0
		for _, r := range w.snapshot() {
			if r == wire.ResultEIO {
				eioCount++
			}
		}
		Expect(eioCount).To(BeNumerically(">=", 3))

		// framing stayed synchronized: a subsequent READ on the same peer
		// still completes normally.
		w2 := newCompletionWaiter()
		readBuf := make([]byte, wire.SectorSize)
		// Re-adding the device is a no-op (AddDevice is idempotent), so
		// route the read completion through a fresh device import instead.
		secondDiskID := uuid.New()
		path2 := backingFile()
		defer os.Remove(path2)
		Expect(s.ExportDevice(ctx, secondDiskID, path2)).To(Succeed())
		info2, err := s.NdevInfo(secondDiskID)
		Expect(err).NotTo(HaveOccurred())
		Expect(c.AddDevice(secondDiskID, serverNodeID, w2.endIO)).To(Succeed())
		Expect(c.BindDevice(secondDiskID, uint64(info2.SizeSectors), info2.DiskID)).To(Succeed())
		Expect(c.Resume(secondDiskID)).To(Succeed())

		c.Submit(ctx, secondDiskID, &client.BlockIo{Type: client.IoRead, StartSector: 0, SizeBytes: wire.SectorSize, Buf: readBuf})
		Expect(waitUntil(2*time.Second, func() bool { return w2.count() >= 1 })).To(BeTrue())
		Expect(w2.snapshot()[0]).To(Equal(wire.ResultOK))
	})
})
