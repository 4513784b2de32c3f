// Package server implements the Server Daemon (spec.md §4.4): it owns the
// exported-disk table, routes inbound wire requests to the correct disk
// engine, runs the lifecycle control plane (export/unexport/add-client/
// remove-client/lock), and drives the send-back path.
//
// Grounded on nbd/serverd/nbd_serverd.c (nbd_recv_processing, nbd_server_send,
// server_handle_events' serialized command dispatch) and ndevs.c
// (export_device/unexport_device/server_add_client/server_remove_client/
// nbd_ndev_getinfo), restructured around a Go channel standing in for the
// original's daemon_request_queue, the way pkg/node/controller.go serializes
// a node's own lifecycle onto one goroutine.
package server

import (
	"context"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/exanodes/nbd/pkg/diskengine"
	"github.com/exanodes/nbd/pkg/rdev"
	"github.com/exanodes/nbd/pkg/stats"
	"github.com/exanodes/nbd/pkg/transport"
	"github.com/exanodes/nbd/pkg/wire"
)

// MaxDisksPerNode bounds the dense server-side disk id space (spec.md §4.4,
// grounded on NBMAX_DISKS_PER_NODE).
const MaxDisksPerNode = 64

var (
	ErrUnknownDisk     = errors.New("server: unknown device UUID")
	ErrDiskSlotsFull   = errors.New("server: maximum number of exported disks exceeded")
	ErrAlreadyExported = errors.New("server: device already exported")
)

// ExportedDisk is one disk's presence on this server: its engine, its raw
// handle, and the bookkeeping the control plane needs.
type ExportedDisk struct {
	UUID        uuid.UUID
	DiskID      int8
	Path        string
	SizeSectors uint64

	handle *rdev.Handle
	engine *diskengine.Engine
	cancel context.CancelFunc
}

// NdevInfo answers the NDEV_INFO control query (spec.md §4.4).
type NdevInfo struct {
	DiskID      int8
	SizeSectors uint64
}

// bufferPool is a small fixed-capacity pool of payload buffers sized at
// startup, the Go counterpart of the original's ti_queue free list.
type bufferPool struct {
	bufs chan []byte
	size int
}

func newBufferPool(count, size int) *bufferPool {
	p := &bufferPool{bufs: make(chan []byte, count), size: size}
	for i := 0; i < count; i++ {
		p.bufs <- make([]byte, size)
	}
	return p
}

func (p *bufferPool) tryGet() []byte {
	select {
	case b := <-p.bufs:
		return b
	default:
		return nil
	}
}

func (p *bufferPool) put(b []byte) {
	if cap(b) != p.size {
		return
	}
	select {
	case p.bufs <- b[:p.size]:
	default:
	}
}

// pendingOutbound is the server-side header copy riding with a request from
// receive to disk engine to send-back, the counterpart of the original's
// header_t.
type pendingOutbound struct {
	from transport.NodeID
	hdr  *wire.IoDescriptor

	// poolBuf is the WRITE payload buffer obtained from the pool in
	// keepReceiving, if any. It returns to the pool once the send-back
	// (header-only, since a WRITE never echoes its payload) completes.
	poolBuf []byte

	// statsTok is set when the request was dispatched to a disk engine,
	// so finishRequest can close out the STATS counters it opened.
	statsTok stats.Token
	hasStats bool
}

// Server owns the exported-disk table and the transport instance.
type Server struct {
	mu    sync.RWMutex
	disks map[uuid.UUID]*ExportedDisk
	byID  [MaxDisksPerNode]*ExportedDisk

	pool *bufferPool
	tr   *transport.Transport

	exhaustedMu sync.Mutex
	exhausted   map[transport.NodeID]bool

	logger *logrus.Entry
	stats  *stats.Recorder

	bufferExhausted prometheus.Counter
}

// Options configures a new Server.
type Options struct {
	ListenAddr        string
	NumReceiveHeaders int
	BufferSize        int
	Logger            *logrus.Entry
	Registerer        prometheus.Registerer
}

// New constructs a Server and its transport, wiring the transport's
// callbacks to the server's receive/send-back logic.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.WithField("component", "server")
	}
	if opts.NumReceiveHeaders <= 0 {
		opts.NumReceiveHeaders = 300 // matches the original's default max_receivable_headers
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1 << 20
	}

	s := &Server{
		disks:     make(map[uuid.UUID]*ExportedDisk),
		pool:      newBufferPool(opts.NumReceiveHeaders, opts.BufferSize),
		exhausted: make(map[transport.NodeID]bool),
		logger:    logger,
		stats:     stats.New(stats.Options{Role: "server", Registerer: opts.Registerer}),
		bufferExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exanodes_nbd_server_buffer_pool_exhausted_total",
			Help: "Times the receive buffer pool was empty on a WRITE header.",
		}),
	}
	if opts.Registerer != nil {
		opts.Registerer.MustRegister(s.bufferExhausted)
	}

	s.tr = transport.New(opts.ListenAddr, true, transport.Callbacks{
		KeepReceiving: s.keepReceiving,
		Delivered:     s.delivered,
		EndSending:    s.endSending,
	}, logger.WithField("subcomponent", "transport"))

	return s
}

// Start begins listening and the background transport goroutines.
func (s *Server) Start(ctx context.Context) error {
	return s.tr.StartListening(ctx)
}

// Addr returns the server's bound listening address, useful when Options
// requested an ephemeral port (":0").
func (s *Server) Addr() net.Addr {
	return s.tr.Addr()
}

// Stop halts the transport and every disk engine.
func (s *Server) Stop() {
	s.tr.Stop()

	s.mu.Lock()
	disks := make([]*ExportedDisk, 0, len(s.disks))
	for _, d := range s.disks {
		disks = append(disks, d)
	}
	s.mu.Unlock()

	for _, d := range disks {
		d.cancel()
		_ = d.handle.Free()
	}
}

// ExportDevice opens the backing device and starts its disk engine
// (spec.md §4.4, grounded on export_device).
func (s *Server) ExportDevice(ctx context.Context, id uuid.UUID, path string) error {
	s.mu.Lock()
	if _, exists := s.disks[id]; exists {
		s.mu.Unlock()
		return nil // idempotent re-export, matching export_device's early return
	}

	slot := -1
	for i := 0; i < MaxDisksPerNode; i++ {
		if s.byID[i] == nil {
			slot = i
			break
		}
	}
	if slot < 0 {
		s.mu.Unlock()
		return ErrDiskSlotsFull
	}
	s.mu.Unlock()

	handle, err := rdev.Alloc(path, rdev.HandleOptions{Logger: s.logger})
	if err != nil {
		return errors.Wrapf(err, "server: export %s", path)
	}

	disk := &ExportedDisk{
		UUID:        id,
		DiskID:      int8(slot),
		Path:        path,
		SizeSectors: handle.SizeSectors(),
		handle:      handle,
	}

	disk.engine = diskengine.New(handle, func(req *diskengine.IoRequest, err error) {
		s.finishRequest(disk, req, err)
	}, s.logger.WithField("disk", id.String()))

	engineCtx, cancel := context.WithCancel(ctx)
	disk.cancel = cancel
	go disk.engine.Run(engineCtx)

	s.mu.Lock()
	s.disks[id] = disk
	s.byID[slot] = disk
	s.mu.Unlock()

	return nil
}

// UnexportDevice stops the disk's engine and releases its handle (spec.md
// §4.4, grounded on unexport_device's exit-drain discipline).
func (s *Server) UnexportDevice(id uuid.UUID) error {
	s.mu.Lock()
	disk, ok := s.disks[id]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownDisk
	}
	delete(s.disks, id)
	s.byID[disk.DiskID] = nil
	s.mu.Unlock()

	disk.cancel()
	return disk.handle.Free()
}

// AddClient registers a peer (spec.md §4.4, grounded on server_add_client).
func (s *Server) AddClient(id transport.NodeID, addr string) error {
	return s.tr.AddPeer(id, addr)
}

// RemoveClient tears down a peer's connection (grounded on
// server_remove_client).
func (s *Server) RemoveClient(id transport.NodeID) error {
	return s.tr.RemovePeer(id)
}

// NdevInfo answers an NDEV_INFO query (grounded on nbd_ndev_getinfo).
func (s *Server) NdevInfo(id uuid.UUID) (NdevInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	disk, ok := s.disks[id]
	if !ok {
		return NdevInfo{}, ErrUnknownDisk
	}
	return NdevInfo{DiskID: disk.DiskID, SizeSectors: disk.SizeSectors}, nil
}

// DiskFlushCount reports how many times the disk's RDEV handle Flush has
// been called (rdev.Handle.FlushCount), used to verify the flush invariant
// (spec.md §8 scenario 4). The inline sync of an OpWriteBarrier write is
// not counted.
func (s *Server) DiskFlushCount(id uuid.UUID) (int64, error) {
	s.mu.RLock()
	disk, ok := s.disks[id]
	s.mu.RUnlock()
	if !ok {
		return 0, ErrUnknownDisk
	}
	return disk.handle.FlushCount(), nil
}

// Stats answers the STATS control message for one disk (spec.md §6.3,
// grounded on nbd_serverd_perf.c/rdev_perf.c's counter sets).
func (s *Server) Stats(id uuid.UUID) (stats.Snapshot, error) {
	s.mu.RLock()
	_, ok := s.disks[id]
	s.mu.RUnlock()
	if !ok {
		return stats.Snapshot{}, ErrUnknownDisk
	}
	return s.stats.Snapshot(id), nil
}

// Lock applies a rebuild lock/unlock to a disk (grounded on
// exa_disk_lock_zone/exa_disk_unlock_zone via rebuild_helper_thread).
func (s *Server) Lock(id uuid.UUID, op diskengine.LockOp, zone diskengine.Zone) error {
	s.mu.RLock()
	disk, ok := s.disks[id]
	s.mu.RUnlock()
	if !ok {
		return ErrUnknownDisk
	}
	return disk.engine.Lock(op, zone)
}

// keepReceiving is the transport's KeepReceiving upcall, invoked once a
// header implying a payload (a WRITE) has arrived. It pops a buffer from
// the pool; an empty pool is marked so delivered() can surface the failure
// as an error completion instead of dispatching to a disk engine, matching
// the original's "buffer == NULL -> EIO" handling in nbd_recv_processing.
func (s *Server) keepReceiving(from transport.NodeID, hdr *wire.IoDescriptor) []byte {
	buf := s.pool.tryGet()
	s.exhaustedMu.Lock()
	s.exhausted[from] = buf == nil
	s.exhaustedMu.Unlock()
	if buf == nil {
		s.bufferExhausted.Inc()
	}
	return buf
}

// delivered is the transport's Delivered upcall: dispatch to the disk's
// engine, or synthesize an error reply if the disk is unknown or the buffer
// pool was exhausted (spec.md §4.4 receive callback).
func (s *Server) delivered(from transport.NodeID, hdr *wire.IoDescriptor, payload []byte) {
	s.exhaustedMu.Lock()
	wasExhausted := s.exhausted[from]
	delete(s.exhausted, from)
	s.exhaustedMu.Unlock()

	s.mu.RLock()
	disk := s.byID[hdr.DiskID]
	s.mu.RUnlock()

	out := &pendingOutbound{from: from, hdr: hdr}
	if hdr.RequestType == wire.RequestWrite {
		out.poolBuf = payload
	}

	// Reject malformed descriptors before they ever reach a disk engine,
	// notably the zero-sector READ spec.md §9 resolves as -EINVAL rather
	// than a degenerate no-op read.
	if err := hdr.Validate(); err != nil {
		s.sendReply(out, wire.ResultEINVAL, nil)
		return
	}

	if disk == nil {
		s.sendReply(out, wire.ResultEIO, nil)
		return
	}
	if wasExhausted {
		s.sendReply(out, wire.ResultEIO, nil)
		return
	}

	op := rdev.OpRead
	if hdr.RequestType == wire.RequestWrite {
		switch {
		case hdr.SectorCount == 0:
			// The zero-sector flush marker (spec.md §6.3, §8 scenario 4)
			// stays OpWrite so diskengine's isFlush() routes it through
			// the drain-then-barrier path, which waits out every prior
			// write before issuing the flush — OpWriteBarrier's inline
			// post-write fsync gives no such ordering guarantee across
			// concurrently in-flight requests.
			op = rdev.OpWrite
		case hdr.FlushCache:
			op = rdev.OpWriteBarrier
		default:
			op = rdev.OpWrite
		}
	}

	dir := stats.Read
	if hdr.RequestType == wire.RequestWrite {
		dir = stats.Write
	}
	out.statsTok = s.stats.RequestStarted(disk.UUID, dir, hdr.SectorCount)
	out.hasStats = true

	req := &diskengine.IoRequest{
		Tag:         out,
		Op:          op,
		Sector:      hdr.Sector,
		SectorCount: hdr.SectorCount,
		Buffer:      requestBuffer(hdr, payload),
		BypassLock:  hdr.BypassLock,
	}
	disk.engine.Submit(req)
}

// requestBuffer picks the buffer the disk engine should fill/read: for a
// READ request the transport delivered no payload, so a fresh buffer sized
// by the header is allocated for RDEV to fill in.
func requestBuffer(hdr *wire.IoDescriptor, payload []byte) []byte {
	if hdr.RequestType == wire.RequestRead {
		return make([]byte, int(hdr.SectorCount)*wire.SectorSize)
	}
	return payload
}

// finishRequest is the disk engine's FinishFunc: write the result into the
// header and hand it to the send-back path (spec.md §4.3 "finish").
func (s *Server) finishRequest(disk *ExportedDisk, req *diskengine.IoRequest, err error) {
	out := req.Tag.(*pendingOutbound)
	result := wire.ResultOK
	if err != nil {
		result = resultCodeFor(err)
	}

	if out.hasStats {
		s.stats.RequestFinished(out.statsTok, result == wire.ResultOK)
	}

	var payload []byte
	if out.hdr.RequestType == wire.RequestRead && err == nil {
		payload = req.Buffer
	}
	s.sendReply(out, result, payload)
}

func resultCodeFor(err error) int8 {
	switch errors.Cause(err) {
	case diskengine.ErrLockedRegion:
		return wire.ResultEAGAIN
	default:
		return wire.ResultEIO
	}
}

// sendReply implements the send-back path of spec.md §4.4: on READ success
// send header+payload; on any failure or on WRITE, zero sector_count so no
// payload follows.
func (s *Server) sendReply(out *pendingOutbound, result int8, payload []byte) {
	reply := *out.hdr
	reply.Result = result
	if reply.RequestType != wire.RequestRead || result != wire.ResultOK {
		reply.ZeroPayload()
		payload = nil
	}

	hdrBytes := make([]byte, wire.HeaderSize)
	if err := wire.Encode(&reply, hdrBytes); err != nil {
		s.logger.WithError(err).Error("failed to encode reply header")
		return
	}

	s.tr.Send(out.from, hdrBytes, payload, out)
}

// endSending is the transport's EndSending upcall: release the payload
// buffer back to the pool (spec.md §4.4, "On end_sending, the payload
// buffer returns to the pool").
func (s *Server) endSending(ctx any, err error) {
	out, ok := ctx.(*pendingOutbound)
	if !ok {
		return
	}
	if out.poolBuf != nil {
		s.pool.put(out.poolBuf)
	}
}
