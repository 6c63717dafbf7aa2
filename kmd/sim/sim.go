// Package sim implements an in-process kernel-mode driver that enforces a
// paging budget and completes residency changes asynchronously behind a
// monitored paging fence. It implements residency.Driver and is used by the
// bench command, the examples and integration tests.
package sim

import (
	"context"
	"math"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/IvanBrykalov/residency/internal/util"
	"github.com/IvanBrykalov/residency/residency"
)

// DefaultPageSize is the paging granularity used when Options.PageSize is 0.
const DefaultPageSize = 64 << 10

// queueDepth bounds outstanding paging operations; MakeResident blocks when full.
const queueDepth = 1024

// Options configures a simulated driver.
type Options struct {
	// Budget is the resident byte limit. Required.
	Budget uint64
	// PageSize is the paging granularity for bandwidth accounting.
	PageSize uint64
	// PagingBandwidth limits how fast paging work completes, in bytes/sec.
	// Zero completes every residency change before MakeResident returns.
	PagingBandwidth uint64

	Logger logrus.FieldLogger
}

// Stats is a point-in-time view of driver state.
type Stats struct {
	Budget         uint64
	Used           uint64
	Resources      int
	Resident       int
	CurrentFence   uint64
	CompletedFence uint64

	MakeResidentCalls uint64
	EvictCalls        uint64
	FenceWaits        uint64
	Rejections        uint64
}

type resource struct {
	size     uint64
	resident bool
}

type pagingOp struct {
	fence uint64
	bytes uint64
}

// Driver is a simulated kernel-mode driver. Safe for concurrent use.
type Driver struct {
	// ---- guarded by mu ----
	mu        sync.Mutex
	res       map[residency.Handle]*resource
	next      residency.Handle
	used      uint64
	lastFence uint64

	budget   uint64
	pageSize uint64
	limiter  *rate.Limiter
	log      logrus.FieldLogger

	// current is the fence value the latest residency change signals;
	// completed is the monitored fence the paging worker advances.
	current   util.PaddedAtomicUint64
	completed util.PaddedAtomicUint64
	fenceMu   sync.Mutex
	fenceCond *sync.Cond

	queue  chan pagingOp
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	makeResidentCalls atomic.Uint64
	evictCalls        atomic.Uint64
	fenceWaits        atomic.Uint64
	rejections        atomic.Uint64
}

var _ residency.Driver = (*Driver)(nil)

// New starts a simulated driver. Close must be called to stop its paging worker.
func New(opt Options) (*Driver, error) {
	if opt.Budget == 0 {
		return nil, errors.New("sim: budget must be > 0")
	}
	if opt.PageSize == 0 {
		opt.PageSize = DefaultPageSize
	}
	if opt.Logger == nil {
		opt.Logger = logrus.StandardLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Driver{
		res:      make(map[residency.Handle]*resource),
		budget:   opt.Budget,
		pageSize: opt.PageSize,
		log:      opt.Logger.WithField("component", "kmd-sim"),
		queue:    make(chan pagingOp, queueDepth),
		ctx:      ctx,
		cancel:   cancel,
	}
	d.fenceCond = sync.NewCond(&d.fenceMu)

	if opt.PagingBandwidth > 0 {
		pagesPerSec := float64(opt.PagingBandwidth) / float64(opt.PageSize)
		// burst covers ~10ms of paging
		burst := int(math.Max(1, pagesPerSec/100))
		d.limiter = rate.NewLimiter(rate.Limit(pagesPerSec), burst)
	}

	d.wg.Add(1)
	go d.run()

	d.log.WithFields(logrus.Fields{
		"budget":    humanize.IBytes(opt.Budget),
		"bandwidth": humanize.IBytes(opt.PagingBandwidth) + "/s",
	}).Debug("simulated driver started")
	return d, nil
}

// CreateResource registers a new resource of the given size and returns its
// handle. The resource starts evicted.
func (d *Driver) CreateResource(size uint64) residency.Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.next++
	d.res[d.next] = &resource{size: size}
	return d.next
}

// DestroyResource releases a resource, dropping its residency. Returns false
// for unknown handles.
func (d *Driver) DestroyResource(h residency.Handle) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.res[h]
	if !ok {
		return false
	}
	if r.resident {
		d.used -= r.size
	}
	delete(d.res, h)
	return true
}

// MakeResident admits the resources if they fit the budget (or overrideBudget
// is set). Unknown handles fail the call. Paging work is queued behind a
// new fence value, which WaitOnPagingFenceFromCpu waits for.
func (d *Driver) MakeResident(handles []residency.Handle, overrideBudget bool, totalSize uint64) (uint64, bool) {
	d.makeResidentCalls.Add(1)
	if d.closed.Load() {
		return 0, false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	need, ok := d.pendingBytesLocked(handles)
	if !ok {
		d.log.WithField("handles", len(handles)).Warn("make resident: unknown handle")
		return 0, false
	}
	if d.used+need > d.budget && !overrideBudget {
		d.rejections.Add(1)
		trim := d.used + need - d.budget
		d.log.WithFields(logrus.Fields{
			"need": humanize.IBytes(need),
			"trim": humanize.IBytes(trim),
		}).Trace("make resident: trim required")
		return trim, false
	}

	for _, h := range handles {
		d.res[h].resident = true
	}
	d.used += need
	if need > 0 {
		d.lastFence++
		d.current.StoreMax(d.lastFence)
		d.enqueueLocked(pagingOp{fence: d.lastFence, bytes: need})
	}
	d.log.WithFields(logrus.Fields{
		"handles":  len(handles),
		"size":     humanize.IBytes(totalSize),
		"paged":    humanize.IBytes(need),
		"override": overrideBudget,
		"fence":    d.lastFence,
	}).Trace("make resident")
	return 0, true
}

// Evict pages resources out and returns the bytes released. Unknown handles
// fail the call without evicting anything.
func (d *Driver) Evict(handles []residency.Handle, _ bool) (uint64, bool) {
	d.evictCalls.Add(1)

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, h := range handles {
		if _, ok := d.res[h]; !ok {
			d.log.WithField("handle", h).Warn("evict: unknown handle")
			return 0, false
		}
	}
	var trimmed uint64
	for _, h := range handles {
		r := d.res[h]
		if r.resident {
			r.resident = false
			d.used -= r.size
			trimmed += r.size
		}
	}
	return trimmed, true
}

// WaitOnPagingFenceFromCpu blocks until the monitored fence reaches the
// latest residency fence.
func (d *Driver) WaitOnPagingFenceFromCpu(bool) {
	d.fenceWaits.Add(1)
	target := d.current.Load()

	d.fenceMu.Lock()
	for d.completed.Load() < target {
		d.fenceCond.Wait()
	}
	d.fenceMu.Unlock()
}

// Trim evicts resident resources, lowest handle first, until at least bytes
// were released, as another process's memory pressure would. The residency
// handler is not told. Returns bytes released.
func (d *Driver) Trim(bytes uint64) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	keys := make([]residency.Handle, 0, len(d.res))
	for h, r := range d.res {
		if r.resident {
			keys = append(keys, h)
		}
	}
	slices.Sort(keys)

	var released uint64
	for _, h := range keys {
		if released >= bytes {
			break
		}
		r := d.res[h]
		r.resident = false
		d.used -= r.size
		released += r.size
	}
	return released
}

// IsResident reports the kernel's view of one resource.
func (d *Driver) IsResident(h residency.Handle) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.res[h]
	return ok && r.resident
}

// Stats returns a snapshot of driver state.
func (d *Driver) Stats() Stats {
	d.mu.Lock()
	st := Stats{
		Budget:    d.budget,
		Used:      d.used,
		Resources: len(d.res),
	}
	for _, r := range d.res {
		if r.resident {
			st.Resident++
		}
	}
	d.mu.Unlock()

	st.CurrentFence = d.current.Load()
	st.CompletedFence = d.completed.Load()
	st.MakeResidentCalls = d.makeResidentCalls.Load()
	st.EvictCalls = d.evictCalls.Load()
	st.FenceWaits = d.fenceWaits.Load()
	st.Rejections = d.rejections.Load()
	return st
}

// Close stops the paging worker and completes all outstanding fences.
// Later MakeResident calls fail.
func (d *Driver) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	// Cancel under mu so no paging op is queued after the worker drains.
	d.mu.Lock()
	d.cancel()
	d.mu.Unlock()
	d.wg.Wait()
	return nil
}

// -------------------- internals --------------------

// pendingBytesLocked sums sizes of the non-resident resources in handles,
// counting repeated handles once. ok is false if any handle is unknown.
func (d *Driver) pendingBytesLocked(handles []residency.Handle) (need uint64, ok bool) {
	seen := make(map[residency.Handle]struct{}, len(handles))
	for _, h := range handles {
		r, known := d.res[h]
		if !known {
			return 0, false
		}
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		if !r.resident {
			need += r.size
		}
	}
	return need, true
}

// enqueueLocked hands paging work to the worker in fence order. Without a
// bandwidth limit the fence completes immediately.
func (d *Driver) enqueueLocked(op pagingOp) {
	if d.limiter == nil || d.ctx.Err() != nil {
		d.complete(op.fence)
		return
	}
	d.queue <- op
}

func (d *Driver) run() {
	defer d.wg.Done()
	for {
		select {
		case op := <-d.queue:
			d.page(op)
		case <-d.ctx.Done():
			d.drain()
			return
		}
	}
}

// page consumes paging bandwidth for op, then signals its fence.
func (d *Driver) page(op pagingOp) {
	pages := int((op.bytes + d.pageSize - 1) / d.pageSize)
	for pages > 0 {
		n := min(pages, d.limiter.Burst())
		if err := d.limiter.WaitN(d.ctx, n); err != nil {
			break // shutting down
		}
		pages -= n
	}
	d.complete(op.fence)
}

// drain completes everything still queued at shutdown.
func (d *Driver) drain() {
	for {
		select {
		case op := <-d.queue:
			d.complete(op.fence)
		default:
			d.complete(d.current.Load())
			return
		}
	}
}

func (d *Driver) complete(fence uint64) {
	d.completed.StoreMax(fence)
	d.fenceMu.Lock()
	d.fenceCond.Broadcast()
	d.fenceMu.Unlock()
}
