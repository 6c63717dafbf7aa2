package residency

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// handler orchestrates allocation-level residency against one ResidentSet
// and one Driver. It is the only caller of the Driver.
type handler struct {
	set *ResidentSet
	drv Driver

	// inflight is held for reading by operations that may call the kernel
	// or insert into the set; Close holds it for writing.
	inflight sync.RWMutex
	closed   atomic.Bool

	opt Options
	log logrus.FieldLogger
}

// New constructs a Handler over drv with the provided Options.
// Defaults:
//   - nil Set     -> NewResidentSet()
//   - nil Logger  -> logrus.StandardLogger()
//   - nil Metrics -> NoopMetrics
func New(drv Driver, opt Options) OperationsHandler {
	if drv == nil {
		panic("residency: Driver must not be nil")
	}
	if opt.Set == nil {
		opt.Set = NewResidentSet()
	}
	if opt.Logger == nil {
		opt.Logger = logrus.StandardLogger()
	}
	if opt.Metrics == nil {
		opt.Metrics = NoopMetrics{}
	}

	return &handler{
		set: opt.Set,
		drv: drv,
		opt: opt,
		log: opt.Logger.WithField("component", "residency"),
	}
}

// ---- OperationsHandler implementation ----

// MakeResident flattens the handle runs of allocs into one batch, summing
// their sizes, and makes the batch resident. Each allocation is marked
// explicitly resident before the kernel call, whatever its outcome.
func (h *handler) MakeResident(dev *Device, allocs []*Allocation, _ bool, forcePagingFence bool) Status {
	if dev == nil || !h.enter() {
		return DeviceUninitialized
	}
	defer h.exit()

	var (
		handles   []Handle
		totalSize uint64
	)
	for _, a := range allocs {
		if a == nil || len(a.run()) == 0 {
			return Unsupported
		}
	}
	for _, a := range allocs {
		handles = append(handles, a.run()...)
		totalSize += a.size
		a.explicitlyResident.Store(true)
	}
	if len(handles) == 0 {
		return Success
	}

	st := h.makeResidentResources(handles, totalSize, forcePagingFence)
	h.opt.Metrics.Operation(OpMakeResident, st)
	h.log.WithFields(logrus.Fields{
		"device":      dev.Index,
		"allocations": len(allocs),
		"handles":     len(handles),
		"size":        humanize.IBytes(totalSize),
		"status":      st,
	}).Debug("make resident")
	return st
}

// MakeResidentResources makes a raw handle run resident.
func (h *handler) MakeResidentResources(handles []Handle, totalSize uint64, forcePagingFence bool) Status {
	if !h.enter() {
		return DeviceUninitialized
	}
	defer h.exit()
	if len(handles) == 0 {
		return Success
	}
	st := h.makeResidentResources(handles, totalSize, forcePagingFence)
	h.opt.Metrics.Operation(OpMakeResident, st)
	return st
}

// Evict clears the explicit residency mark, then evicts the allocation's run.
func (h *handler) Evict(dev *Device, alloc *Allocation) Status {
	if dev == nil || !h.enter() {
		return DeviceUninitialized
	}
	defer h.exit()
	if alloc == nil || len(alloc.run()) == 0 {
		return Unsupported
	}
	alloc.explicitlyResident.Store(false)

	st := h.evictResources(alloc.run())
	h.opt.Metrics.Operation(OpEvict, st)
	h.log.WithFields(logrus.Fields{
		"device":    dev.Index,
		"handles":   len(alloc.run()),
		"fragments": alloc.FragmentCount(),
		"status":    st,
	}).Debug("evict")
	return st
}

// EvictResources removes a handle run from tracking and evicts it.
func (h *handler) EvictResources(handles []Handle) Status {
	if !h.enter() {
		return DeviceUninitialized
	}
	defer h.exit()
	st := h.evictResources(handles)
	h.opt.Metrics.Operation(OpEvict, st)
	return st
}

// EvictAllResources evicts every tracked resource in one kernel call.
func (h *handler) EvictAllResources() Status {
	if !h.enter() {
		return DeviceUninitialized
	}
	defer h.exit()
	st := h.evictAll()
	h.opt.Metrics.Operation(OpEvictAll, st)
	return st
}

// IsResident reports whether the allocation's whole run is tracked.
func (h *handler) IsResident(dev *Device, alloc *Allocation) Status {
	if h.closed.Load() || dev == nil {
		return DeviceUninitialized
	}
	if alloc == nil || len(alloc.run()) == 0 {
		return Unsupported
	}
	for _, hd := range alloc.run() {
		if !h.set.IsResident(hd) {
			return MemoryNotFound
		}
	}
	return Success
}

// Free drops tracking for an explicitly resident allocation, one handle at a
// time. Freeing an allocation that was never made resident is a no-op.
func (h *handler) Free(_ *Device, alloc *Allocation) Status {
	if alloc == nil {
		return Success
	}
	if alloc.explicitlyResident.CompareAndSwap(true, false) {
		for _, hd := range alloc.run() {
			h.RemoveResource(hd)
		}
	}
	h.opt.Metrics.Operation(OpFree, Success)
	return Success
}

// RemoveResource drops tracking for h without calling the kernel.
func (h *handler) RemoveResource(hd Handle) {
	if h.set.RemoveOne(hd) {
		h.opt.Metrics.Size(h.set.Len())
	}
}

// Close marks the handler closed, waits for in-flight operations to return,
// then evicts whatever is still tracked. Only the first call does any work.
func (h *handler) Close() error {
	h.inflight.Lock()
	first := h.closed.CompareAndSwap(false, true)
	h.inflight.Unlock()
	if !first {
		return nil
	}

	all := h.set.TakeAll()
	if len(all) == 0 {
		return nil
	}
	trimmed, ok := h.drv.Evict(all, true)
	h.opt.Metrics.Trimmed(trimmed)
	h.opt.Metrics.Size(0)
	if !ok {
		return errors.Errorf("residency: final evict of %d resources failed", len(all))
	}
	return nil
}

// ---- internals ----

// enter admits an operation unless the handler is closed. A true result
// must be paired with exit.
func (h *handler) enter() bool {
	h.inflight.RLock()
	if h.closed.Load() {
		h.inflight.RUnlock()
		return false
	}
	return true
}

func (h *handler) exit() { h.inflight.RUnlock() }

// makeResidentResources runs the retry policy:
//
//  1. plain request;
//  2. on failure, evict everything and retry if that evicted anything;
//  3. still failing, reissue with the budget override.
//
// At most three kernel calls are made. The fence wait happens after the set
// lock is released.
func (h *handler) makeResidentResources(handles []Handle, totalSize uint64, forcePagingFence bool) Status {
	_, ok := h.drv.MakeResident(handles, false, totalSize)
	if !ok {
		if !h.opt.EvictionOnMakeResidentAllowed {
			return h.outOfMemory(handles, totalSize)
		}

		h.opt.Metrics.Escalation(EscalateEvictAll)
		if h.evictAll() == Success {
			h.opt.Metrics.Escalation(EscalateRetry)
			_, ok = h.drv.MakeResident(handles, false, totalSize)
		}
		if !ok {
			// Nothing left to trim: force admission over the nominal budget.
			h.opt.Metrics.Escalation(EscalateOverrideBudget)
			_, ok = h.drv.MakeResident(handles, true, totalSize)
		}
		if !ok {
			return h.outOfMemory(handles, totalSize)
		}
	}

	h.set.InsertAll(handles)
	h.opt.Metrics.Size(h.set.Len())
	h.waitOnPagingFence(forcePagingFence)
	return Success
}

// evictResources removes the run from the set before calling the kernel, so
// a failed kernel evict still leaves the run untracked.
func (h *handler) evictResources(handles []Handle) Status {
	if !h.set.RemoveRun(handles) {
		h.log.WithField("handles", len(handles)).Trace("evict: run not tracked")
		return MemoryNotFound
	}
	h.opt.Metrics.Size(h.set.Len())

	trimmed, ok := h.drv.Evict(handles, true)
	h.opt.Metrics.Trimmed(trimmed)
	if !ok {
		h.log.WithField("handles", len(handles)).Warn("kernel evict failed")
	}
	return statusOf(ok)
}

// evictAll snapshots and clears the set, then evicts the snapshot unlocked.
// MemoryNotFound tells the retry loop that eviction made no progress.
func (h *handler) evictAll() Status {
	all := h.set.TakeAll()
	if len(all) == 0 {
		return MemoryNotFound
	}
	h.opt.Metrics.Size(h.set.Len())

	trimmed, ok := h.drv.Evict(all, true)
	h.opt.Metrics.Trimmed(trimmed)
	h.log.WithFields(logrus.Fields{
		"handles": len(all),
		"trimmed": humanize.IBytes(trimmed),
		"ok":      ok,
	}).Debug("evict all")
	return statusOf(ok)
}

func (h *handler) waitOnPagingFence(forced bool) {
	start := h.now()
	h.drv.WaitOnPagingFenceFromCpu(false)
	d := time.Duration(h.now() - start)
	h.opt.Metrics.FenceWait(d)
	h.log.WithFields(logrus.Fields{"forced": forced, "wait": d}).Trace("paging fence reached")
}

func (h *handler) outOfMemory(handles []Handle, totalSize uint64) Status {
	h.log.WithFields(logrus.Fields{
		"handles":  len(handles),
		"size":     humanize.IBytes(totalSize),
		"eviction": h.opt.EvictionOnMakeResidentAllowed,
	}).Warn("make resident failed: out of memory")
	if trap := h.opt.OnOutOfMemory; trap != nil {
		trap(handles, totalSize)
	}
	return OutOfMemory
}

func (h *handler) now() int64 {
	if h.opt.Clock != nil {
		return h.opt.Clock.NowUnixNano()
	}
	return time.Now().UnixNano()
}
