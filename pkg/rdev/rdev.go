// Package rdev implements the Raw-Device Backend (spec.md §4.1): a uniform
// asynchronous interface to a local disk with a bounded number of in-flight
// requests, surfaced one completion at a time.
//
// Grounded on the original rdev/include/exa_rdev.h contract
// (exa_rdev_handle_alloc/make_request_new/wait_one_request/flush) and on
// nbd/serverd/nbd_disk_thread.c's consumption of that contract. The kernel
// ring the original relied on is modelled here with a bounded semaphore
// gating goroutines that perform pread/pwrite/fdatasync, and a completion
// channel that WaitOne drains — the same "submit now, reap later, bounded
// in flight" shape without requiring a real io_uring/cgo dependency (see
// DESIGN.md for why io_uring was not pursued).
package rdev

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/exanodes/nbd/internal/ring"
)

// Op identifies the kind of request submitted to a Handle.
type Op int

const (
	OpRead Op = iota + 1
	OpWrite
	OpWriteBarrier
)

func (op Op) String() string {
	switch op {
	case OpRead:
		return "READ"
	case OpWrite:
		return "WRITE"
	case OpWriteBarrier:
		return "WRITE_BARRIER"
	default:
		return "INVALID"
	}
}

// ReservedSectors is the prefix of every managed disk reserved for Exanodes
// metadata; every logical sector offset is shifted by this amount before it
// reaches the physical device (spec.md §4.1).
const ReservedSectors = 8192

// fragmentSectors bounds a single synchronous helper operation, matching
// the original's EXA_RDEV_READ_WRITE_FRAGMENT (256 KiB).
const fragmentSectors = (256 * 1024) / SectorSize

const SectorSize = 512

var (
	ErrNotAligned   = errors.New("rdev: sector/size not aligned to 512 bytes")
	ErrClosed       = errors.New("rdev: handle is closed")
	ErrTagInFlight  = errors.New("rdev: user_tag is already in flight")
	ErrDrainPending = errors.New("rdev: handle_free called with outstanding I/O")
)

// Outcome is the sum type spec.md §4.1 calls for in place of the original's
// overloaded integer return (REDESIGN FLAGS, "Error-return abuse").
type Outcome int

const (
	// OutcomeSubmitted means the request was accepted; no completion was
	// reaped in the same call.
	OutcomeSubmitted Outcome = iota
	// OutcomeSubmittedAndOneCompleted means the request was accepted and
	// the call additionally reaped one completed request, returned via
	// CompletedTag/CompletedResult.
	OutcomeSubmittedAndOneCompleted
	// OutcomeNoFreeSlot means the in-flight window is full; the caller
	// must reap via WaitOne before retrying.
	OutcomeNoFreeSlot
	// OutcomeError means submission failed synchronously; the slot was
	// not consumed.
	OutcomeError
)

// SubmitResult is returned by Submit.
type SubmitResult struct {
	Outcome Outcome
	// CompletedTag/CompletedResult are populated only when Outcome is
	// OutcomeSubmittedAndOneCompleted.
	CompletedTag    any
	CompletedResult error
	// Err is populated only when Outcome is OutcomeError.
	Err error
}

// WaitOutcome is returned by WaitOne.
type WaitOutcome int

const (
	WaitCompleted WaitOutcome = iota
	WaitAllDrained
	WaitError
)

// WaitResult is returned by WaitOne.
type WaitResult struct {
	Outcome WaitOutcome
	Tag     any
	Result  error
	Err     error
}

type inflightReq struct {
	tag any
	op  Op
}

// completion is posted by the goroutine performing the syscall once it is
// done; WaitOne/opportunistic-reap-in-Submit consume these.
type completion struct {
	tag    any
	result error
}

// Handle represents one open raw device.
type Handle struct {
	path   string
	file   *os.File
	mapped mmap.MMap

	windowSize int
	window     chan struct{} // bounded in-flight semaphore
	slots      *ring.Ring    // tracks occupied in-flight count for NoFreeSlot detection

	mu        sync.Mutex
	inflight  map[int]inflightReq
	completed chan completion

	closed    bool
	lastError error

	flushCount atomic.Int64

	logger *logrus.Entry
}

// HandleOptions configures Alloc.
type HandleOptions struct {
	// WindowSize bounds the number of in-flight requests, standing in
	// for the kernel ring's fixed depth.
	WindowSize int
	Logger     *logrus.Entry
}

// Alloc opens the disk at path, probes its size, and establishes the
// bounded submission channel (spec.md §4.1 handle_alloc).
func Alloc(path string, opts HandleOptions) (*Handle, error) {
	if opts.WindowSize <= 0 {
		opts.WindowSize = 64
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.WithField("component", "rdev")
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "rdev: open %s", path)
	}

	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "rdev: mmap %s", path)
	}

	h := &Handle{
		path:       path,
		file:       f,
		mapped:     m,
		windowSize: opts.WindowSize,
		window:     make(chan struct{}, opts.WindowSize),
		slots:      ring.New(opts.WindowSize),
		inflight:   make(map[int]inflightReq),
		completed:  make(chan completion, opts.WindowSize),
		logger:     logger.WithField("path", path),
	}
	h.logger.WithField("sectors", len(m)/SectorSize).Info("rdev handle allocated")
	return h, nil
}

// SizeSectors returns the usable (post-reserved-prefix) size of the device
// in sectors.
func (h *Handle) SizeSectors() uint64 {
	total := uint64(len(h.mapped)) / SectorSize
	if total <= ReservedSectors {
		return 0
	}
	return total - ReservedSectors
}

func checkAligned(sector uint64, sectorCount uint32) error {
	// sector and sector_count are already sector-granular by type; the
	// alignment contract (spec.md §4.1) is about byte offsets/sizes being
	// multiples of 512, which is automatically true for any integral
	// sector count/offset. The check exists to guard callers that pass
	// byte-granular math in error.
	if sector > (1<<63)/SectorSize {
		return ErrNotAligned
	}
	_ = sectorCount
	return nil
}

// Submit enqueues one request. It may opportunistically reap at most one
// completed request in the same call (spec.md §4.1); when it does, the
// caller owns that completion exactly as if WaitOne had returned it.
func (h *Handle) Submit(op Op, tag any, sector uint64, sectorCount uint32, buf []byte) SubmitResult {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return SubmitResult{Outcome: OutcomeError, Err: ErrClosed}
	}
	if err := checkAligned(sector, sectorCount); err != nil {
		h.mu.Unlock()
		return SubmitResult{Outcome: OutcomeError, Err: err}
	}

	idx, ok := h.slots.Alloc()
	if !ok {
		h.mu.Unlock()
		return SubmitResult{Outcome: OutcomeNoFreeSlot}
	}
	for _, r := range h.inflight {
		if r.tag == tag {
			h.slots.Free(idx)
			h.mu.Unlock()
			return SubmitResult{Outcome: OutcomeError, Err: ErrTagInFlight}
		}
	}
	h.inflight[idx] = inflightReq{tag: tag, op: op}
	h.mu.Unlock()

	h.window <- struct{}{}
	go h.perform(idx, op, tag, sector, sectorCount, buf)

	// Opportunistic reap: if a completion is already sitting in the
	// channel, hand it back now rather than making the caller take an
	// extra trip through WaitOne.
	select {
	case c := <-h.completed:
		h.finishOne(c)
		return SubmitResult{
			Outcome:         OutcomeSubmittedAndOneCompleted,
			CompletedTag:    c.tag,
			CompletedResult: c.result,
		}
	default:
		return SubmitResult{Outcome: OutcomeSubmitted}
	}
}

func (h *Handle) perform(idx int, op Op, tag any, sector uint64, sectorCount uint32, buf []byte) {
	defer func() { <-h.window }()

	off := int64(sector+ReservedSectors) * SectorSize
	size := int64(sectorCount) * SectorSize
	var err error

	switch op {
	case OpRead:
		err = h.doFragmented(off, size, buf, false)
	case OpWrite:
		err = h.doFragmented(off, size, buf, true)
	case OpWriteBarrier:
		err = h.doFragmented(off, size, buf, true)
		if err == nil {
			err = h.syncFlush()
		}
	default:
		err = errors.Errorf("rdev: invalid op %v", op)
	}

	h.mu.Lock()
	delete(h.inflight, idx)
	h.slots.Free(idx)
	if err != nil {
		h.lastError = err
	}
	h.mu.Unlock()

	h.completed <- completion{tag: tag, result: err}
}

func (h *Handle) doFragmented(off, size int64, buf []byte, write bool) error {
	const fragBytes = fragmentSectors * SectorSize
	for done := int64(0); done < size; {
		n := size - done
		if n > fragBytes {
			n = fragBytes
		}
		chunk := buf[done : done+n]
		var err error
		if write {
			_, err = unix.Pwrite(int(h.file.Fd()), chunk, off+done)
		} else {
			_, err = unix.Pread(int(h.file.Fd()), chunk, off+done)
		}
		if err != nil {
			return errors.Wrapf(err, "rdev: %s at offset %d", map[bool]string{true: "pwrite", false: "pread"}[write], off+done)
		}
		done += n
	}
	return nil
}

func (h *Handle) syncFlush() error {
	if err := h.mapped.Flush(); err != nil {
		return errors.Wrap(err, "rdev: mmap flush")
	}
	if err := unix.Fdatasync(int(h.file.Fd())); err != nil {
		return errors.Wrap(err, "rdev: fdatasync")
	}
	return nil
}

// Flush issues a cache barrier (msync of the mapping, then fdatasync) and
// returns only once it has completed, with its result. It posts no
// completion to WaitOne.
func (h *Handle) Flush() error {
	h.flushCount.Add(1)
	return h.syncFlush()
}

// FlushCount returns how many times Flush has been called, for tests that
// verify the barrier is issued exactly once per flush request (spec.md §8
// scenario 4).
func (h *Handle) FlushCount() int64 {
	return h.flushCount.Load()
}

func (h *Handle) finishOne(c completion) {
	// no-op hook point kept symmetric with WaitOne's bookkeeping; present
	// so Submit's opportunistic reap and WaitOne share one code path if
	// per-completion accounting grows later.
	_ = c
}

// WaitOne blocks until a completion is available or the submission window
// is empty (spec.md §4.1).
func (h *Handle) WaitOne() WaitResult {
	h.mu.Lock()
	inflightCount := len(h.inflight)
	h.mu.Unlock()

	if inflightCount == 0 {
		select {
		case c := <-h.completed:
			h.finishOne(c)
			return WaitResult{Outcome: WaitCompleted, Tag: c.tag, Result: c.result}
		default:
			return WaitResult{Outcome: WaitAllDrained}
		}
	}

	c := <-h.completed
	h.finishOne(c)
	return WaitResult{Outcome: WaitCompleted, Tag: c.tag, Result: c.result}
}

// LastError returns the most recently latched error outcome, for a cluster
// health probe to poll (spec.md §4.1 Failure semantics).
func (h *Handle) LastError() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastError
}

// Free idempotently closes the handle. The caller must have already
// drained all outstanding completions (spec.md §4.1 handle_free).
func (h *Handle) Free() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	if len(h.inflight) != 0 {
		h.mu.Unlock()
		return ErrDrainPending
	}
	h.closed = true
	h.mu.Unlock()

	if err := h.mapped.Unmap(); err != nil {
		h.logger.WithError(err).Warn("rdev: unmap failed")
	}
	return h.file.Close()
}
