package residency

import "time"

// NoopMetrics is a drop-in Metrics implementation that does nothing.
// It is safe for concurrent use and intended as the default when
// no observability backend is configured.
type NoopMetrics struct{}

func (NoopMetrics) Operation(Op, Status)    {}
func (NoopMetrics) Escalation(Escalation)   {}
func (NoopMetrics) Trimmed(uint64)          {}
func (NoopMetrics) Size(int)                {}
func (NoopMetrics) FenceWait(time.Duration) {}

// Ensure NoopMetrics implements the Metrics interface at compile time.
var _ Metrics = NoopMetrics{}
