// Package util contains internal helpers (padding, atomics).
//revive:disable:var-naming  // allow 'util' as an internal helpers package name
package util

import (
	"sync/atomic"
	"unsafe"
)

// CacheLineSize is a reasonable default for most modern CPUs.
const CacheLineSize = 64

// CacheLinePad separates hot fields into distinct cache lines.
type CacheLinePad struct{ _ [CacheLineSize]byte }

// PaddedAtomicUint64 is an atomic uint64 padded to exactly one cache line.
// Fence values are written by the paging worker and read by every waiting
// CPU thread, so each gets a line of its own.
type PaddedAtomicUint64 struct {
	atomic.Uint64
	_ [CacheLineSize - 8]byte
}

// StoreMax raises the value to v if v is larger and returns the value now
// stored. Concurrent callers never lower it.
func (p *PaddedAtomicUint64) StoreMax(v uint64) uint64 {
	for {
		cur := p.Load()
		if v <= cur {
			return cur
		}
		if p.CompareAndSwap(cur, v) {
			return v
		}
	}
}

// Compile-time size check (must be exactly one cache line).
var _ [CacheLineSize - int(unsafe.Sizeof(PaddedAtomicUint64{}))]byte
