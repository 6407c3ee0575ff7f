// Package metrics defines the Prometheus collectors exported by memtrack.
//
// Collectors live on a private Registry rather than the default one so that
// embedding applications decide whether and where they are exposed.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "memtrack"

// Registry holds every memtrack collector.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	// TrackedRanges is the number of live ranges across all trackers.
	TrackedRanges = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tracked_ranges",
		Help:      "Number of live tracked ranges.",
	})

	// TrackedBytes is the number of bytes covered by live ranges, per pool.
	TrackedBytes = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tracked_bytes",
		Help:      "Bytes covered by live tracked ranges.",
	}, []string{"pool"})

	// Allocations counts successful tracked allocations, per pool.
	Allocations = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "allocations_total",
		Help:      "Successful tracked allocations.",
	}, []string{"pool"})

	// Frees counts successful tracked frees, per pool.
	Frees = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frees_total",
		Help:      "Successful tracked frees.",
	}, []string{"pool"})

	// Rollbacks counts upstream allocations released because tracking failed.
	Rollbacks = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alloc_rollbacks_total",
		Help:      "Upstream allocations freed because they could not be tracked.",
	}, []string{"pool"})

	// TrackingErrors counts tracking-invariant violations by kind.
	TrackingErrors = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tracking_errors_total",
		Help:      "Tracking-invariant violations reported to callers.",
	}, []string{"pool", "kind"})

	// StructuralOps counts committed split and merge operations.
	StructuralOps = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "structural_ops_total",
		Help:      "Committed split/merge operations.",
	}, []string{"op"})

	// StructuralWait observes time spent waiting for the structural lock.
	StructuralWait = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "structural_lock_wait_seconds",
		Help:      "Time split/merge waited to acquire the structural lock.",
		Buckets:   prometheus.ExponentialBuckets(1e-7, 4, 10),
	})
)
