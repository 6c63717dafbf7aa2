package residency

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Op names a handler operation for metrics.
type Op int

const (
	OpMakeResident Op = iota
	OpEvict
	OpEvictAll
	OpFree
)

// String returns a stable label value.
func (o Op) String() string {
	switch o {
	case OpMakeResident:
		return "make_resident"
	case OpEvict:
		return "evict"
	case OpEvictAll:
		return "evict_all"
	case OpFree:
		return "free"
	default:
		return "unknown"
	}
}

// Escalation is a step of the make-resident retry policy.
type Escalation int

const (
	// EscalateEvictAll: the first request failed and a global eviction was issued.
	EscalateEvictAll Escalation = iota
	// EscalateRetry: the request was retried after the eviction made progress.
	EscalateRetry
	// EscalateOverrideBudget: the request was reissued with the budget override.
	EscalateOverrideBudget
)

// String returns a stable label value.
func (e Escalation) String() string {
	switch e {
	case EscalateEvictAll:
		return "evict_all"
	case EscalateRetry:
		return "retry"
	case EscalateOverrideBudget:
		return "override_budget"
	default:
		return "unknown"
	}
}

// Metrics exposes handler-level observability hooks.
// A NoopMetrics implementation is provided and used by default.
type Metrics interface {
	Operation(op Op, st Status)
	Escalation(e Escalation)
	// Trimmed reports bytes the kernel released on eviction.
	Trimmed(bytes uint64)
	// Size reports the number of tracked handles after a mutation.
	Size(handles int)
	FenceWait(d time.Duration)
}

// Clock provides time in UnixNano; useful for deterministic tests.
type Clock interface{ NowUnixNano() int64 }

// Options configures a Handler. Defaults are applied in New():
//   - nil Set     => fresh ResidentSet
//   - nil Logger  => logrus.StandardLogger()
//   - nil Metrics => NoopMetrics
//   - nil Clock   => time.Now()
//
// A zero Options is valid but leaves EvictionOnMakeResidentAllowed false, so
// the evict-and-retry policy is off until a caller opts in.
type Options struct {
	// EvictionOnMakeResidentAllowed enables the evict-all-and-retry policy.
	// It defaults to false: a residency failure is then returned as
	// OutOfMemory right away, which validation and replay modes rely on.
	EvictionOnMakeResidentAllowed bool

	// Set is the resident set to track into. One set per device.
	Set *ResidentSet

	Logger  logrus.FieldLogger
	Metrics Metrics
	Clock   Clock

	// OnOutOfMemory is a diagnostic trap fired before OutOfMemory is returned.
	// It must not call back into the handler.
	OnOutOfMemory func(handles []Handle, totalSize uint64)
}
