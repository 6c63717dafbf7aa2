// Package residency tracks which GPU memory resources are currently paged into
// device-addressable memory and negotiates residency with the kernel-mode
// driver under a bounded paging budget.
//
// Design
//
//   - ResidentSet: a flat, lock-protected list of resource handles the driver
//     last reported as resident. It is an optimistic cache of kernel state:
//     the kernel may evict a resource under global memory pressure without
//     telling us, so membership answers "last known", not "guaranteed".
//
//   - Handler: maps allocation-level requests (a single default handle run or
//     a run of discontiguous fragment handles) onto the ResidentSet and the
//     Driver. Kernel calls and paging-fence waits never run under the set lock.
//
//   - Retry policy: when the kernel refuses residency, the handler evicts the
//     whole known-resident working set and retries. If nothing could be
//     evicted, or the retry still fails, one last request is issued with the
//     budget override flag. The handler never loops: after at most three kernel
//     calls the request either succeeded or reports OutOfMemory.
//
//   - Paging fence: every successful residency change is followed by a CPU
//     wait on the driver's paging fence, so GPU work submitted afterwards
//     observes consistent page tables.
//
//   - Metrics: Options.Metrics receives per-operation outcomes, escalation
//     stages, trimmed byte counts and fence wait durations. NoopMetrics is the
//     default; metrics/prom exports them to Prometheus.
//
// Basic usage
//
//	drv, _ := sim.New(sim.Options{Budget: 256 << 20})
//	h := residency.New(drv, residency.Options{EvictionOnMakeResidentAllowed: true})
//	defer h.Close()
//
//	alloc := residency.NewAllocation(4096, drv.CreateResource(4096))
//	dev := &residency.Device{}
//	if st := h.MakeResident(dev, []*residency.Allocation{alloc}, false, false); st != residency.Success {
//	    // flush pending work and retry the submission later
//	}
//	_ = h.Evict(dev, alloc)
//
// Fragmented allocations
//
//	alloc := residency.NewFragmentedAllocation(3*4096, f1, f2, f3)
//	h.MakeResident(dev, []*residency.Allocation{alloc}, false, false)
//	h.Free(dev, alloc) // drops tracking for every fragment
//
// Thread-safety
//
// All Handler and ResidentSet methods are safe for concurrent use. Two
// goroutines may race to evict everything after a residency failure; the
// loser sees an empty set (MemoryNotFound) and escalates straight to the
// budget override. Close may overlap other calls: it waits for operations
// already admitted, and anything they made resident is evicted with the rest.
package residency
