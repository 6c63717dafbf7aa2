package residency

import (
	"slices"
	"sync"

	"github.com/IvanBrykalov/residency/internal/util"
)

// ResidentSet is the membership list of handles last known to be resident.
// Handles are kept in insertion order so a batch made resident together can
// be removed as one contiguous run. All methods are safe for concurrent use;
// critical sections are a linear scan plus a slice splice.
type ResidentSet struct {
	// ---- guarded by mu ----
	mu      sync.RWMutex
	handles []Handle

	// ---- hot counters (separate cache lines to avoid false sharing) ----
	_      util.CacheLinePad
	hits   util.PaddedAtomicUint64
	misses util.PaddedAtomicUint64
}

// NewResidentSet returns an empty set.
func NewResidentSet() *ResidentSet {
	return &ResidentSet{}
}

// IsResident reports whether h is tracked. Absence is a normal outcome.
func (s *ResidentSet) IsResident(h Handle) bool {
	s.mu.RLock()
	found := slices.Contains(s.handles, h)
	s.mu.RUnlock()

	if found {
		s.hits.Add(1)
	} else {
		s.misses.Add(1)
	}
	return found
}

// InsertAll appends handles under one lock acquisition. Handles already
// tracked are skipped so re-adding a run never creates duplicates.
// Returns the number of handles actually appended.
func (s *ResidentSet) InsertAll(handles []Handle) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	base := len(s.handles)
	for _, h := range handles {
		if slices.Contains(s.handles, h) {
			continue
		}
		s.handles = append(s.handles, h)
	}
	return len(s.handles) - base
}

// RemoveRun removes handles as one contiguous run. The run is located by its
// first handle and must match in order; otherwise nothing is removed and
// RemoveRun returns false.
func (s *ResidentSet) RemoveRun(handles []Handle) bool {
	if len(handles) == 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	pos := slices.Index(s.handles, handles[0])
	if pos < 0 || pos+len(handles) > len(s.handles) {
		return false
	}
	if !slices.Equal(s.handles[pos:pos+len(handles)], handles) {
		return false
	}
	s.handles = slices.Delete(s.handles, pos, pos+len(handles))
	return true
}

// RemoveOne removes h wherever it is, swapping the last element into its
// slot. Removing an absent handle is a no-op and returns false.
func (s *ResidentSet) RemoveOne(h Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos := slices.Index(s.handles, h)
	if pos < 0 {
		return false
	}
	last := len(s.handles) - 1
	s.handles[pos] = s.handles[last]
	s.handles = s.handles[:last]
	return true
}

// TakeAll empties the set and returns its prior contents, so a bulk kernel
// evict can run outside the lock while the set already reads empty.
func (s *ResidentSet) TakeAll() []Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.handles
	s.handles = nil
	return out
}

// Len returns the number of tracked handles.
func (s *ResidentSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handles)
}

// Snapshot returns a copy of the tracked handles in set order.
func (s *ResidentSet) Snapshot() []Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.handles)
}

// Lookups returns the IsResident hit and miss counts.
func (s *ResidentSet) Lookups() (hits, misses uint64) {
	return s.hits.Load(), s.misses.Load()
}
