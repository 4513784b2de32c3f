// Package diskengine implements the server-side per-disk worker (spec.md
// §4.3): a single-threaded loop per exported disk that drains an incoming
// request queue, enforces rebuild-lock zones, pipelines accepted requests
// into the raw-device backend, and hands completions back to the caller.
//
// Grounded almost line-for-line on nbd/serverd/nbd_disk_thread.c's
// exa_td_main/submit_req/td_merge_lock/td_is_locked, restructured around
// Go channels in place of the original's nbd_list + semaphore pairing and
// a context.Context in place of the `exit_thread` boolean (the 200ms
// polling cadence for exit latency is preserved per the accompanying
// REDESIGN FLAGS).
package diskengine

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/exanodes/nbd/pkg/rdev"
)

// pollInterval is the worst-case exit latency contract inherited from the
// original's 200ms wait_new_req timeout (spec.md §4.3, §9).
const pollInterval = 200 * time.Millisecond

// MaxLockedZones bounds the number of concurrently locked rebuild zones a
// disk can hold (spec.md §4.3 apply_lock).
const MaxLockedZones = 32

var (
	ErrLockSetFull  = errors.New("diskengine: locked-zone set is full")
	ErrNoSuchZone   = errors.New("diskengine: no matching locked zone to unlock")
	ErrLockedRegion = errors.New("diskengine: request overlaps a locked zone")
)

// LockOp selects apply_lock's direction.
type LockOp int

const (
	LockZone LockOp = iota
	UnlockZone
)

// Zone identifies a half-open sector range under a rebuild lock.
type Zone struct {
	Sector      uint64
	SectorCount uint32
}

func (z Zone) overlaps(sector uint64, sectorCount uint32) bool {
	return sector < z.Sector+uint64(z.SectorCount) && sector+uint64(sectorCount) > z.Sector
}

// LockCommand asks the engine to lock or unlock a zone; once applied, the
// outcome is sent on Result (spec.md §4.3's "signal lock_waiter").
type LockCommand struct {
	Op     LockOp
	Zone   Zone
	Result chan error
}

// IoRequest is one request queued to the engine. Tag round-trips back to
// the caller via FinishFunc so the caller can correlate it to the original
// wire request.
type IoRequest struct {
	Tag         any
	Op          rdev.Op
	Sector      uint64
	SectorCount uint32
	Buffer      []byte
	BypassLock  bool
}

func (r *IoRequest) isFlush() bool {
	return r.Op == rdev.OpWrite && r.SectorCount == 0
}

// FinishFunc hands a completed (or rejected) request back to the caller,
// which writes the result into the wire header and sends it (spec.md
// §4.4's send-back path).
type FinishFunc func(req *IoRequest, err error)

// Engine runs one exported disk's request loop.
type Engine struct {
	handle  *rdev.Handle
	incoming chan any // *IoRequest or *LockCommand
	finish  FinishFunc
	logger  *logrus.Entry

	zones []Zone
}

// New creates an Engine bound to handle. Call Run in its own goroutine.
func New(handle *rdev.Handle, finish FinishFunc, logger *logrus.Entry) *Engine {
	if logger == nil {
		logger = logrus.WithField("component", "diskengine")
	}
	return &Engine{
		handle:   handle,
		incoming: make(chan any, 256),
		finish:   finish,
		logger:   logger,
	}
}

// Submit enqueues a request or lock command for processing. It never
// blocks the caller beyond the channel's buffer capacity, matching the
// original's non-blocking nbd_list_post semantics.
func (e *Engine) Submit(item any) {
	e.incoming <- item
}

// Lock applies a lock/unlock synchronously, blocking the caller until the
// engine has processed it (spec.md §4.3's blocking control-plane call,
// redesigned per §9 away from the source's side-band semaphore into a
// one-shot result channel).
func (e *Engine) Lock(op LockOp, zone Zone) error {
	cmd := &LockCommand{Op: op, Zone: zone, Result: make(chan error, 1)}
	e.incoming <- cmd
	return <-cmd.Result
}

func tryPop(ch chan any) any {
	select {
	case v := <-ch:
		return v
	default:
		return nil
	}
}

func waitPop(ctx context.Context, ch chan any, timeout time.Duration) any {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case v := <-ch:
		return v
	case <-t.C:
		return nil
	case <-ctx.Done():
		return nil
	}
}

// Run executes the main loop until ctx is cancelled, then drains all
// outstanding completions before returning (spec.md §4.3).
func (e *Engine) Run(ctx context.Context) {
	e.logger.Info("disk engine started")
	defer e.logger.Info("disk engine exited")

	haveInFlight := false

loop:
	for {
		item := tryPop(e.incoming)

		if item == nil && haveInFlight {
			wr := e.handle.WaitOne()
			switch wr.Outcome {
			case rdev.WaitCompleted:
				e.completeFromTag(wr.Tag, wr.Result)
			case rdev.WaitAllDrained:
				haveInFlight = false
			}
			continue
		}

		if item == nil && !haveInFlight {
			item = waitPop(ctx, e.incoming, pollInterval)
			if item == nil {
				select {
				case <-ctx.Done():
					break loop
				default:
					continue
				}
			}
		}

		switch v := item.(type) {
		case *LockCommand:
			e.drainAllCompletions()
			v.Result <- e.applyLock(v.Op, v.Zone)
			continue

		case *IoRequest:
			if v.isFlush() {
				e.drainAllCompletions()
				haveInFlight = false
				err := e.handle.Flush()
				e.finish(v, err)
				continue
			}

			if !v.BypassLock && e.isLocked(v.Sector, v.SectorCount) {
				e.finish(v, ErrLockedRegion)
				continue
			}

			for {
				res := e.handle.Submit(v.Op, v, v.Sector, v.SectorCount, v.Buffer)
				if res.Outcome == rdev.OutcomeNoFreeSlot {
					wr := e.handle.WaitOne()
					if wr.Outcome == rdev.WaitCompleted {
						e.completeFromTag(wr.Tag, wr.Result)
					}
					continue
				}
				if res.Outcome == rdev.OutcomeError {
					e.finish(v, res.Err)
					break
				}
				haveInFlight = true
				if res.Outcome == rdev.OutcomeSubmittedAndOneCompleted {
					e.completeFromTag(res.CompletedTag, res.CompletedResult)
				}
				break
			}
		}
	}

	e.drainAllCompletions()
}

func (e *Engine) completeFromTag(tag any, result error) {
	req, ok := tag.(*IoRequest)
	if !ok || req == nil {
		return
	}
	e.finish(req, result)
}

func (e *Engine) drainAllCompletions() {
	for {
		wr := e.handle.WaitOne()
		switch wr.Outcome {
		case rdev.WaitCompleted:
			e.completeFromTag(wr.Tag, wr.Result)
		case rdev.WaitAllDrained:
			return
		}
	}
}

func (e *Engine) isLocked(sector uint64, sectorCount uint32) bool {
	for _, z := range e.zones {
		if z.overlaps(sector, sectorCount) {
			return true
		}
	}
	return false
}

// applyLock mutates the locked-zone set (spec.md §4.3 apply_lock). Unlock
// removes the matching zone by swap-with-last, matching
// td_merge_lock's NBD_REQ_TYPE_UNLOCK branch exactly.
func (e *Engine) applyLock(op LockOp, zone Zone) error {
	switch op {
	case LockZone:
		if len(e.zones) >= MaxLockedZones {
			return ErrLockSetFull
		}
		e.zones = append(e.zones, zone)
		return nil

	case UnlockZone:
		for i, z := range e.zones {
			if z == zone {
				last := len(e.zones) - 1
				e.zones[i] = e.zones[last]
				e.zones = e.zones[:last]
				return nil
			}
		}
		return ErrNoSuchZone
	}
	return nil
}
