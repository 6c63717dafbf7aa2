package residency

// Handle is an opaque, driver-assigned identifier of one physically backed
// GPU resource. The driver owns its lifetime; this package only tracks it.
type Handle uint32

// Device identifies the device a request is issued against.
// A nil *Device means the device was never initialized.
type Device struct {
	Index uint32
}

// Driver is the kernel-mode driver surface the handler needs.
// Implementations must be safe for concurrent use; calls may block.
type Driver interface {
	// Evict pages the given resources out. It returns the number of bytes
	// the kernel reports as trimmed and whether the call succeeded.
	Evict(handles []Handle, flushPagingFence bool) (trimmed uint64, ok bool)

	// MakeResident pages the given resources in. It fails when the paging
	// budget would be exceeded and overrideBudget is false; in that case
	// trim is the number of bytes the kernel wants released first.
	MakeResident(handles []Handle, overrideBudget bool, totalSize uint64) (trim uint64, ok bool)

	// WaitOnPagingFenceFromCpu blocks until the paging fence reaches the
	// value of the most recent residency change.
	WaitOnPagingFenceFromCpu(blockUntilComplete bool)
}

// OperationsHandler is the allocation-level residency interface.
// All methods are safe for concurrent use by multiple goroutines.
type OperationsHandler interface {
	// MakeResident makes every allocation resident in a single kernel batch.
	// isDummyExecNeeded is accepted for interface parity with other OS
	// backends and has no effect here.
	MakeResident(dev *Device, allocs []*Allocation, isDummyExecNeeded, forcePagingFence bool) Status

	// MakeResidentResources makes a raw handle run resident, applying the
	// evict-and-retry policy, then waits on the paging fence.
	MakeResidentResources(handles []Handle, totalSize uint64, forcePagingFence bool) Status

	// Evict pages the allocation out. Its handle run must match the run that
	// was made resident.
	Evict(dev *Device, alloc *Allocation) Status

	// EvictResources removes a handle run from tracking and evicts it.
	// MemoryNotFound means the run was not tracked.
	EvictResources(handles []Handle) Status

	// EvictAllResources evicts every tracked resource.
	// MemoryNotFound means there was nothing to evict.
	EvictAllResources() Status

	// IsResident reports Success if every handle of the allocation is tracked.
	IsResident(dev *Device, alloc *Allocation) Status

	// Free drops tracking for an explicitly resident allocation whose backing
	// memory is being released. It always succeeds.
	Free(dev *Device, alloc *Allocation) Status

	// RemoveResource drops tracking for one handle without a kernel call.
	RemoveResource(h Handle)

	// Close marks the handler closed, waits for operations already in
	// progress (including their fence waits), then evicts everything still
	// tracked. Later calls return DeviceUninitialized.
	Close() error
}
