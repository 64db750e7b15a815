package fault

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus series for the fault-recovery state machine, named the way
// the teacher's observability package names its recovery-adjacent series
// (TaskRetries, TaskTimeouts).
var (
	recoveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "coordinator_npu_recovery_duration_seconds",
		Help:    "Time from full-recovery start to the START_ENGINE fan-out that ends it",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})

	blacklistTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coordinator_npu_blacklist_total",
		Help: "Total instances blacklisted for hard restart",
	})

	isolateTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coordinator_npu_isolate_total",
		Help: "Total single-node isolation episodes",
	})

	recoveryTimeoutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coordinator_npu_recovery_timeout_total",
		Help: "Total full-recovery episodes that hit the 60s timeout",
	})
)
