package engine

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/KilimcininKorOglu/isodb/internal/storage"
)

const metricsNamespace = "isodb"

// Abort reasons reported in the aborts metric.
const (
	ReasonRollback      = "rollback"
	ReasonLockTimeout   = "lock_timeout"
	ReasonDeadlock      = "deadlock"
	ReasonSerialization = "serialization"
	ReasonCanceled      = "canceled"
	ReasonError         = "error"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	Commits           *prometheus.CounterVec
	Aborts            *prometheus.CounterVec
	LockWaits         prometheus.Counter
	LockWaitSeconds   prometheus.Histogram
	Deadlocks         prometheus.Counter
	VersionsCollected prometheus.Counter
}

// NewMetrics creates the engine collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		Commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "commits_total",
			Help:      "Committed transactions by isolation level.",
		}, []string{"level"}),
		Aborts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "aborts_total",
			Help:      "Aborted transactions by isolation level and reason.",
		}, []string{"level", "reason"}),
		LockWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "lock_waits_total",
			Help:      "Lock requests that had to wait.",
		}),
		LockWaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for locks.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		Deadlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "deadlocks_total",
			Help:      "Transactions aborted to break a deadlock.",
		}),
		VersionsCollected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "gc_versions_collected_total",
			Help:      "Row versions removed by garbage collection.",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Commits, m.Aborts, m.LockWaits, m.LockWaitSeconds, m.Deadlocks, m.VersionsCollected,
	}
}

// Register adds every collector to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return errors.Wrap(err, "registering engine metrics")
		}
	}
	return nil
}

// abortReason classifies the error that ended a transaction.
func abortReason(err error) string {
	switch {
	case err == nil:
		return ReasonRollback
	case errors.Is(err, storage.ErrLockTimeout):
		return ReasonLockTimeout
	case errors.Is(err, storage.ErrDeadlockAborted):
		return ReasonDeadlock
	case errors.Is(err, storage.ErrSerializationConflict):
		return ReasonSerialization
	case errors.IsAny(err, context.Canceled, context.DeadlineExceeded):
		return ReasonCanceled
	default:
		return ReasonError
	}
}
