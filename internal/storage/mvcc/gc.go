package mvcc

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/KilimcininKorOglu/isodb/internal/storage"
)

// GC errors.
var (
	ErrGCAlreadyRunning = errors.New("garbage collector is already running")
	ErrGCNotRunning     = errors.New("garbage collector is not running")
	ErrGCClosed         = errors.New("garbage collector is closed")
)

// DefaultGCInterval is the default interval between GC runs.
const DefaultGCInterval = 30 * time.Second

// Horizon tells the collector which timestamps active transactions may still
// read at, and drops commit history below it.
// It is implemented by tx.TxManager.
type Horizon interface {
	OldestActiveStart() storage.Timestamp
	Prune(horizon storage.Timestamp) int
}

// GCConfig holds configuration options for the GarbageCollector.
type GCConfig struct {
	// Interval is the time between automatic GC runs.
	Interval time.Duration

	// OnCollect, when set, is called after every cycle.
	OnCollect func(GCResult)
}

// DefaultGCConfig returns the default GC configuration.
func DefaultGCConfig() GCConfig {
	return GCConfig{Interval: DefaultGCInterval}
}

// GCResult describes one collection cycle.
type GCResult struct {
	Horizon           storage.Timestamp
	VersionsCollected int
	RecordsPruned     int
	Duration          time.Duration
}

// GCStats holds statistics about garbage collection.
type GCStats struct {
	// TotalRuns is the total number of GC runs.
	TotalRuns uint64

	// TotalVersionsCollected is the total number of versions collected.
	TotalVersionsCollected uint64

	// TotalRecordsPruned is the total number of history records dropped.
	TotalRecordsPruned uint64

	// LastRunTime is the timestamp of the last GC run.
	LastRunTime time.Time

	// LastRunDuration is the duration of the last GC run.
	LastRunDuration time.Duration

	// LastHorizon is the horizon the last run collected below.
	LastHorizon storage.Timestamp
}

// GarbageCollector reclaims versions that no active or future transaction
// can select, and the commit history no active transaction validates
// against. This keeps version chains from growing without bound.
//
// GC algorithm:
// 1. Take the oldest start timestamp of any active transaction
// 2. For each chain, keep the newest version committed at or before it and
// everything newer; drop the rest
// 3. Drop rows whose delete committed at or before it
// 4. Prune the commit history up to it
type GarbageCollector struct {
	versionStore *VersionStore
	horizon      Horizon
	config       GCConfig

	// running indicates if the background GC is running.
	running int32

	// stopCh signals the background GC to stop.
	stopCh chan struct{}

	// doneCh signals that the background GC has stopped.
	doneCh chan struct{}

	stats GCStats

	// mu protects concurrent access.
	mu sync.RWMutex

	closed bool
}

// NewGarbageCollector creates a new GarbageCollector with the given dependencies.
func NewGarbageCollector(vs *VersionStore, h Horizon) *GarbageCollector {
	return NewGarbageCollectorWithConfig(vs, h, DefaultGCConfig())
}

// NewGarbageCollectorWithConfig creates a new GarbageCollector with custom configuration.
func NewGarbageCollectorWithConfig(vs *VersionStore, h Horizon, config GCConfig) *GarbageCollector {
	if config.Interval <= 0 {
		config.Interval = DefaultGCInterval
	}
	return &GarbageCollector{
		versionStore: vs,
		horizon:      h,
		config:       config,
	}
}

// Start starts the background garbage collection process.
// GC runs periodically at the configured interval.
func (gc *GarbageCollector) Start() error {
	gc.mu.Lock()
	defer gc.mu.Unlock()

	if gc.closed {
		return ErrGCClosed
	}
	if atomic.LoadInt32(&gc.running) == 1 {
		return ErrGCAlreadyRunning
	}

	stopCh := make(chan struct{})
	doneCh := make(chan struct{})
	gc.stopCh = stopCh
	gc.doneCh = doneCh
	atomic.StoreInt32(&gc.running, 1)

	go gc.runBackground(stopCh, doneCh, gc.config.Interval)
	return nil
}

// Stop stops the background garbage collection process.
// It waits for the current GC cycle to complete before returning.
func (gc *GarbageCollector) Stop() error {
	gc.mu.Lock()
	if gc.closed {
		gc.mu.Unlock()
		return ErrGCClosed
	}
	if !atomic.CompareAndSwapInt32(&gc.running, 1, 0) {
		gc.mu.Unlock()
		return ErrGCNotRunning
	}
	stopCh, doneCh := gc.stopCh, gc.doneCh
	gc.stopCh, gc.doneCh = nil, nil
	gc.mu.Unlock()

	close(stopCh)
	<-doneCh
	return nil
}

func (gc *GarbageCollector) runBackground(stopCh <-chan struct{}, doneCh chan<- struct{}, interval time.Duration) {
	defer close(doneCh)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			_, _ = gc.Collect()
		}
	}
}

// Collect performs a garbage collection cycle and reports what it removed.
func (gc *GarbageCollector) Collect() (GCResult, error) {
	gc.mu.RLock()
	if gc.closed {
		gc.mu.RUnlock()
		return GCResult{}, ErrGCClosed
	}
	onCollect := gc.config.OnCollect
	gc.mu.RUnlock()

	start := time.Now()
	res := GCResult{Horizon: gc.horizon.OldestActiveStart()}
	res.VersionsCollected = gc.versionStore.GarbageCollect(res.Horizon)
	res.RecordsPruned = gc.horizon.Prune(res.Horizon)
	res.Duration = time.Since(start)

	gc.mu.Lock()
	gc.stats.TotalRuns++
	gc.stats.TotalVersionsCollected += uint64(res.VersionsCollected)
	gc.stats.TotalRecordsPruned += uint64(res.RecordsPruned)
	gc.stats.LastRunTime = time.Now()
	gc.stats.LastRunDuration = res.Duration
	gc.stats.LastHorizon = res.Horizon
	gc.mu.Unlock()

	if onCollect != nil {
		onCollect(res)
	}
	return res, nil
}

// Stats returns the current GC statistics.
func (gc *GarbageCollector) Stats() GCStats {
	gc.mu.RLock()
	defer gc.mu.RUnlock()
	return gc.stats
}

// IsRunning returns true if the background GC is running.
func (gc *GarbageCollector) IsRunning() bool {
	return atomic.LoadInt32(&gc.running) == 1
}

// Close stops the GC if it is running. Further calls are no-ops.
func (gc *GarbageCollector) Close() error {
	gc.mu.Lock()
	if gc.closed {
		gc.mu.Unlock()
		return nil
	}
	gc.closed = true

	if atomic.CompareAndSwapInt32(&gc.running, 1, 0) {
		stopCh, doneCh := gc.stopCh, gc.doneCh
		gc.stopCh, gc.doneCh = nil, nil
		gc.mu.Unlock()

		close(stopCh)
		<-doneCh
		return nil
	}

	gc.mu.Unlock()
	return nil
}
