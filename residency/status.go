package residency

// Status is the outcome of a residency operation.
// Values map 1:1 onto the allocation layer's memory operation statuses.
type Status int

const (
	Success Status = iota
	// Failed means the driver rejected the call for a reason other than budget.
	Failed
	// MemoryNotFound is a normal outcome: the handle run is not tracked.
	MemoryNotFound
	// OutOfMemory means residency could not be obtained even after eviction.
	OutOfMemory
	Unsupported
	DeviceUninitialized
)

// String returns a stable label, used for metrics and logs.
func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case Failed:
		return "failed"
	case MemoryNotFound:
		return "memory_not_found"
	case OutOfMemory:
		return "out_of_memory"
	case Unsupported:
		return "unsupported"
	case DeviceUninitialized:
		return "device_uninitialized"
	default:
		return "unknown"
	}
}

// statusOf maps a driver boolean onto Success/Failed.
func statusOf(ok bool) Status {
	if ok {
		return Success
	}
	return Failed
}
