package residency

import (
	"slices"
	"testing"
)

// Fuzz ResidentSet run semantics under arbitrary handle sequences.
// Guards against panics and checks that a failed RemoveRun leaves the set
// untouched while a successful one removes exactly the run.
func FuzzResidentSet_RemoveRun(f *testing.F) {
	f.Add([]byte{}, []byte{})
	f.Add([]byte{1, 2, 3}, []byte{2, 3})
	f.Add([]byte{1, 2, 3}, []byte{3, 2})
	f.Add([]byte{5, 5, 5}, []byte{5})
	f.Add([]byte{1, 2, 3, 4}, []byte{4, 5})

	f.Fuzz(func(t *testing.T, in, run []byte) {
		// Cap lengths to keep each iteration cheap.
		const limit = 1 << 8
		if len(in) > limit {
			in = in[:limit]
		}
		if len(run) > limit {
			run = run[:limit]
		}

		s := NewResidentSet()
		s.InsertAll(toHandles(in))
		before := s.Snapshot()

		// InsertAll never tracks a handle twice.
		for i, h := range before {
			if slices.Contains(before[i+1:], h) {
				t.Fatalf("handle %d tracked twice: %v", h, before)
			}
		}

		r := toHandles(run)
		ok := s.RemoveRun(r)
		after := s.Snapshot()

		if !ok {
			if !slices.Equal(before, after) {
				t.Fatalf("failed RemoveRun changed the set: %v -> %v", before, after)
			}
			return
		}
		if len(after) != len(before)-len(r) {
			t.Fatalf("RemoveRun(%v) removed %d handles, want %d", r, len(before)-len(after), len(r))
		}
		for _, h := range r {
			if slices.Contains(after, h) {
				t.Fatalf("handle %d still tracked after RemoveRun", h)
			}
		}
	})
}

func toHandles(b []byte) []Handle {
	out := make([]Handle, len(b))
	for i, v := range b {
		out[i] = Handle(v)
	}
	return out
}
