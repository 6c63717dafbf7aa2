package residency

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestResidentSet_InsertAndQuery(t *testing.T) {
	t.Parallel()

	s := NewResidentSet()
	require.False(t, s.IsResident(1), "empty set must not report membership")

	require.Equal(t, 3, s.InsertAll([]Handle{1, 2, 3}))
	require.True(t, s.IsResident(2))
	require.False(t, s.IsResident(4))
	require.Equal(t, 3, s.Len())

	hits, misses := s.Lookups()
	require.Equal(t, uint64(1), hits)
	require.Equal(t, uint64(2), misses)
}

// Re-inserting tracked handles must not create duplicates.
func TestResidentSet_InsertAllSkipsTracked(t *testing.T) {
	t.Parallel()

	s := NewResidentSet()
	s.InsertAll([]Handle{1, 2})
	require.Equal(t, 1, s.InsertAll([]Handle{2, 3, 3}))

	if diff := cmp.Diff([]Handle{1, 2, 3}, s.Snapshot()); diff != "" {
		t.Fatalf("set contents mismatch (-want +got):\n%s", diff)
	}
}

func TestResidentSet_RemoveRun(t *testing.T) {
	t.Parallel()

	s := NewResidentSet()
	s.InsertAll([]Handle{1, 2, 3})
	s.InsertAll([]Handle{4, 5})

	require.True(t, s.RemoveRun([]Handle{2, 3}))
	if diff := cmp.Diff([]Handle{1, 4, 5}, s.Snapshot()); diff != "" {
		t.Fatalf("after RemoveRun (-want +got):\n%s", diff)
	}

	require.False(t, s.RemoveRun([]Handle{9}), "absent first handle")
	require.False(t, s.RemoveRun([]Handle{5, 6}), "run past the end")
	require.False(t, s.RemoveRun([]Handle{1, 5}), "non-contiguous run")
	require.False(t, s.RemoveRun(nil), "empty run")
	require.Equal(t, 3, s.Len(), "failed removals must leave the set untouched")
}

// RemoveOne swap-removes: the last element takes the freed slot.
func TestResidentSet_RemoveOneSwapsLast(t *testing.T) {
	t.Parallel()

	s := NewResidentSet()
	s.InsertAll([]Handle{1, 2, 3, 4})

	require.True(t, s.RemoveOne(2))
	if diff := cmp.Diff([]Handle{1, 4, 3}, s.Snapshot()); diff != "" {
		t.Fatalf("after RemoveOne (-want +got):\n%s", diff)
	}
	require.False(t, s.RemoveOne(2), "second removal is a no-op")
	require.Equal(t, 3, s.Len())
}

func TestResidentSet_TakeAll(t *testing.T) {
	t.Parallel()

	s := NewResidentSet()
	require.Empty(t, s.TakeAll())

	s.InsertAll([]Handle{7, 8})
	got := s.TakeAll()
	require.Equal(t, []Handle{7, 8}, got)
	require.Zero(t, s.Len())
	require.False(t, s.IsResident(7))

	// The taken slice is detached from the set.
	s.InsertAll([]Handle{9})
	require.Equal(t, []Handle{7, 8}, got)
}
