package prom

import (
	"time"

	"github.com/IvanBrykalov/residency/residency"
	"github.com/prometheus/client_golang/prometheus"
)

// Adapter implements residency.Metrics and exports Prometheus counters/gauges.
// Safe for concurrent use; all Prometheus metric types are goroutine-safe.
type Adapter struct {
	ops         *prometheus.CounterVec
	escalations *prometheus.CounterVec
	trimmed     prometheus.Counter
	tracked     prometheus.Gauge
	fenceWait   prometheus.Histogram
}

// New constructs a Prometheus metrics adapter.
//   - reg:          registry to register metrics with (nil => prometheus.DefaultRegisterer)
//   - ns, sub:      Prometheus namespace and subsystem
//   - constLabels:  static labels applied to all metrics (may be nil)
func New(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	a := &Adapter{
		ops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "operations_total",
				Help:        "Residency operations by operation and status",
				ConstLabels: constLabels,
			},
			[]string{"op", "status"},
		),
		escalations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "escalations_total",
				Help:        "Make-resident retry escalations by stage",
				ConstLabels: constLabels,
			},
			[]string{"stage"},
		),
		trimmed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "trimmed_bytes_total",
			Help:        "Bytes released by kernel evictions",
			ConstLabels: constLabels,
		}),
		tracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "resident_handles",
			Help:        "Number of handles tracked as resident",
			ConstLabels: constLabels,
		}),
		fenceWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "paging_fence_wait_seconds",
			Help:        "CPU wait on the paging fence after residency changes",
			Buckets:     prometheus.ExponentialBuckets(1e-6, 4, 10),
			ConstLabels: constLabels,
		}),
	}
	reg.MustRegister(a.ops, a.escalations, a.trimmed, a.tracked, a.fenceWait)
	return a
}

// Operation counts one handler operation outcome.
func (a *Adapter) Operation(op residency.Op, st residency.Status) {
	a.ops.WithLabelValues(op.String(), st.String()).Inc()
}

// Escalation counts one retry-policy step.
func (a *Adapter) Escalation(e residency.Escalation) {
	a.escalations.WithLabelValues(e.String()).Inc()
}

// Trimmed adds evicted bytes.
func (a *Adapter) Trimmed(bytes uint64) { a.trimmed.Add(float64(bytes)) }

// Size updates the tracked-handles gauge.
func (a *Adapter) Size(handles int) { a.tracked.Set(float64(handles)) }

// FenceWait observes a paging fence wait.
func (a *Adapter) FenceWait(d time.Duration) { a.fenceWait.Observe(d.Seconds()) }

// Compile-time check: ensure Adapter implements residency.Metrics.
var _ residency.Metrics = (*Adapter)(nil)
