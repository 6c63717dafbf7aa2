package residency

import "sync/atomic"

// Allocation is one logical GPU-visible memory allocation, owned elsewhere.
// It is backed either by a run of default handles (more than one for
// allocations spanning multiple tiles) or by a run of fragment handles when
// its storage is assembled from separately pinned host pages. Never both.
type Allocation struct {
	handles   []Handle
	fragments []Handle
	size      uint64

	// set by MakeResident, cleared by Evict/Free
	explicitlyResident atomic.Bool
}

// NewAllocation returns an allocation backed by its own handle run.
func NewAllocation(size uint64, handles ...Handle) *Allocation {
	return &Allocation{handles: append([]Handle(nil), handles...), size: size}
}

// NewFragmentedAllocation returns an allocation backed by fragment handles,
// in the order they must be made resident and evicted.
func NewFragmentedAllocation(size uint64, fragments ...Handle) *Allocation {
	return &Allocation{fragments: append([]Handle(nil), fragments...), size: size}
}

// Size returns the allocation size in bytes.
func (a *Allocation) Size() uint64 { return a.size }

// FragmentCount returns the number of fragment handles (0 if unfragmented).
func (a *Allocation) FragmentCount() int { return len(a.fragments) }

// ExplicitlyResident reports whether the allocation was made resident by a
// Handler and not evicted or freed since.
func (a *Allocation) ExplicitlyResident() bool { return a.explicitlyResident.Load() }

// Handles returns a copy of the handle run used for residency operations.
func (a *Allocation) Handles() []Handle {
	return append([]Handle(nil), a.run()...)
}

// run returns the fragment handles if any, otherwise the default handles.
// The result aliases the allocation; callers must not modify it.
func (a *Allocation) run() []Handle {
	if len(a.fragments) > 0 {
		return a.fragments
	}
	return a.handles
}
