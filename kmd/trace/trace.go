// Package trace provides a residency logger: a residency.Driver decorator
// that reports every kernel call (allocation counts, sizes, trim requests,
// fence waits) to a logrus logger and keeps running call counters.
package trace

import (
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/IvanBrykalov/residency/residency"
)

// Counters is a snapshot of the calls seen by a Driver.
type Counters struct {
	MakeResident     uint64
	MakeResidentFail uint64
	Evict            uint64
	EvictFail        uint64
	FenceWaits       uint64
	// FenceWaitTime is the cumulative time spent in fence waits.
	FenceWaitTime time.Duration
}

// Driver wraps another residency.Driver and logs each call.
type Driver struct {
	next residency.Driver
	log  logrus.FieldLogger

	makeResident     atomic.Uint64
	makeResidentFail atomic.Uint64
	evict            atomic.Uint64
	evictFail        atomic.Uint64
	fenceWaits       atomic.Uint64
	fenceWaitNanos   atomic.Int64
}

var _ residency.Driver = (*Driver)(nil)

// Wrap returns a logging decorator around next. A nil log uses the standard logger.
func Wrap(next residency.Driver, log logrus.FieldLogger) *Driver {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Driver{next: next, log: log.WithField("component", "residency-log")}
}

// MakeResident forwards the call and reports the batch, and the trim size
// the kernel asked for when it refused.
func (d *Driver) MakeResident(handles []residency.Handle, overrideBudget bool, totalSize uint64) (uint64, bool) {
	d.makeResident.Add(1)
	trim, ok := d.next.MakeResident(handles, overrideBudget, totalSize)

	entry := d.log.WithFields(logrus.Fields{
		"allocations": len(handles),
		"size":        humanize.IBytes(totalSize),
		"override":    overrideBudget,
	})
	if !ok {
		d.makeResidentFail.Add(1)
		entry.WithField("trim", humanize.IBytes(trim)).Info("trim required")
		return trim, ok
	}
	entry.Debug("make resident")
	return trim, ok
}

// Evict forwards the call and reports the bytes trimmed.
func (d *Driver) Evict(handles []residency.Handle, flushPagingFence bool) (uint64, bool) {
	d.evict.Add(1)
	trimmed, ok := d.next.Evict(handles, flushPagingFence)
	if !ok {
		d.evictFail.Add(1)
	}
	d.log.WithFields(logrus.Fields{
		"allocations": len(handles),
		"trimmed":     humanize.IBytes(trimmed),
		"ok":          ok,
	}).Debug("evict")
	return trimmed, ok
}

// WaitOnPagingFenceFromCpu forwards the wait and reports how long it took.
func (d *Driver) WaitOnPagingFenceFromCpu(blockUntilComplete bool) {
	d.fenceWaits.Add(1)
	start := time.Now()
	d.next.WaitOnPagingFenceFromCpu(blockUntilComplete)
	elapsed := time.Since(start)
	d.fenceWaitNanos.Add(int64(elapsed))
	d.log.WithField("elapsed", elapsed).Trace("paging fence wait")
}

// Counters returns the call counters observed so far.
func (d *Driver) Counters() Counters {
	return Counters{
		MakeResident:     d.makeResident.Load(),
		MakeResidentFail: d.makeResidentFail.Load(),
		Evict:            d.evict.Load(),
		EvictFail:        d.evictFail.Load(),
		FenceWaits:       d.fenceWaits.Load(),
		FenceWaitTime:    time.Duration(d.fenceWaitNanos.Load()),
	}
}
