package engine

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/KilimcininKorOglu/isodb/internal/logging"
	"github.com/KilimcininKorOglu/isodb/internal/storage"
	"github.com/KilimcininKorOglu/isodb/internal/storage/isolation"
	"github.com/KilimcininKorOglu/isodb/internal/storage/lock"
	"github.com/KilimcininKorOglu/isodb/internal/storage/mvcc"
	"github.com/KilimcininKorOglu/isodb/internal/storage/tx"
)

// ErrEngineClosed is returned when opening a session on a closed engine.
var ErrEngineClosed = errors.New("engine is closed")

// Engine owns the shared state of a database: the version store, the
// transaction manager and the lock manager, plus the background deadlock
// detector and garbage collector. Clients talk to it through sessions.
type Engine struct {
	opts Options

	store   *mvcc.VersionStore
	txm     *tx.TxManager
	locks   *lock.Manager
	gc      *mvcc.GarbageCollector
	metrics *Metrics
	log     logging.Logger

	cancel context.CancelFunc
	group  *errgroup.Group

	mu     sync.Mutex
	closed bool
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	Transactions tx.TxStats
	Versions     mvcc.VersionStoreStats
	Locks        lock.Stats
	GC           mvcc.GCStats
}

// New creates an engine and starts its background workers. Call Close to
// stop them.
func New(opts Options) (*Engine, error) {
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.DeadlockInterval <= 0 {
		opts.DeadlockInterval = DefaultDeadlockInterval
	}
	if !opts.DefaultIsolation.Valid() {
		return nil, errors.Wrapf(tx.ErrInvalidLevel, "default isolation %d", int(opts.DefaultIsolation))
	}

	e := &Engine{
		opts:    opts,
		store:   mvcc.NewVersionStore(),
		locks:   lock.NewManager(opts.LockTimeout),
		metrics: NewMetrics(),
		log:     opts.Logger,
	}
	if opts.Registerer != nil {
		if err := e.metrics.Register(opts.Registerer); err != nil {
			return nil, err
		}
	}

	e.txm = tx.NewTxManager(tx.Options{
		Publisher:  e.store,
		Releaser:   e.locks,
		Validators: isolation.Validator,
	})
	e.gc = mvcc.NewGarbageCollectorWithConfig(e.store, e.txm, mvcc.GCConfig{
		Interval:  opts.GCInterval,
		OnCollect: e.onCollect,
	})
	if opts.GCInterval > 0 {
		if err := e.gc.Start(); err != nil {
			return nil, errors.Wrap(err, "starting garbage collector")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	e.cancel = cancel
	e.group = g
	g.Go(func() error {
		return e.runDeadlockDetector(ctx)
	})

	e.log.Info("engine started",
		"lock_timeout", opts.LockTimeout,
		"deadlock_interval", opts.DeadlockInterval,
		"gc_interval", opts.GCInterval,
		"default_isolation", opts.DefaultIsolation.String(),
	)
	return e, nil
}

func (e *Engine) runDeadlockDetector(ctx context.Context) error {
	ticker := time.NewTicker(e.opts.DeadlockInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.DetectDeadlocks()
		}
	}
}

// DetectDeadlocks searches the wait-for graph once and aborts the wait of
// one victim per cycle. The victim's blocked statement returns
// ErrDeadlockAborted and its session rolls the transaction back.
func (e *Engine) DetectDeadlocks() []lock.Victim {
	victims := e.locks.DetectDeadlocks()
	for _, v := range victims {
		e.metrics.Deadlocks.Inc()
		e.log.Warn("deadlock detected", "victim", uint64(v.TxID), "cycle", v.Cycle)
	}
	return victims
}

// CollectGarbage runs one garbage collection cycle.
func (e *Engine) CollectGarbage() (mvcc.GCResult, error) {
	return e.gc.Collect()
}

func (e *Engine) onCollect(res mvcc.GCResult) {
	e.metrics.VersionsCollected.Add(float64(res.VersionsCollected))
	e.log.Debug("garbage collected",
		"horizon", uint64(res.Horizon),
		"versions", res.VersionsCollected,
		"records", res.RecordsPruned,
		"duration", res.Duration,
	)
}

// Open creates a session at the given isolation level. With autocommit
// set, statements outside an explicit Begin run as their own transaction.
func (e *Engine) Open(level storage.IsolationLevel, autocommit bool) (*Session, error) {
	if !level.Valid() {
		return nil, errors.Wrapf(tx.ErrInvalidLevel, "level %d", int(level))
	}
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, ErrEngineClosed
	}
	return newSession(e, level, autocommit), nil
}

// OpenDefault creates a session at the engine's default isolation level.
func (e *Engine) OpenDefault(autocommit bool) (*Session, error) {
	return e.Open(e.opts.DefaultIsolation, autocommit)
}

// Metrics returns the engine's collectors.
func (e *Engine) Metrics() *Metrics {
	return e.metrics
}

// LockTimeout returns the configured lock wait timeout.
func (e *Engine) LockTimeout() time.Duration {
	return e.locks.Timeout()
}

// Stats returns engine statistics.
func (e *Engine) Stats() Stats {
	return Stats{
		Transactions: e.txm.Stats(),
		Versions:     e.store.Stats(),
		Locks:        e.locks.Stats(),
		GC:           e.gc.Stats(),
	}
}

// Close stops the background workers. Sessions still open keep their
// transactions but no deadlock is resolved after Close.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	err := e.group.Wait()
	if gcErr := e.gc.Close(); gcErr != nil {
		err = errors.CombineErrors(err, gcErr)
	}
	e.log.Info("engine stopped")
	return err
}

// acquire takes a lock for txn and records wait metrics.
func (e *Engine) acquire(ctx context.Context, txn *tx.Transaction, req lock.Request) (bool, error) {
	req.TxID = txn.ID
	req.StartTS = txn.StartTS

	start := time.Now()
	waited, err := e.locks.Acquire(ctx, req)
	if waited {
		e.metrics.LockWaits.Inc()
		e.metrics.LockWaitSeconds.Observe(time.Since(start).Seconds())
	}
	if errors.Is(err, storage.ErrLockTimeout) {
		e.log.Warn("lock wait timed out", "tx", uint64(txn.ID), "lock", req.String(), "waited", time.Since(start))
	}
	return waited, err
}

// read returns the row the transaction's policy makes visible.
func (e *Engine) read(ctx context.Context, txn *tx.Transaction, key storage.Key) (storage.Row, error) {
	p := isolation.For(txn.Level)
	if mode, ok := p.LockModeFor(isolation.OpRead); ok {
		if _, err := e.acquire(ctx, txn, lock.Request{Key: key, Mode: mode}); err != nil {
			return nil, err
		}
	}
	return e.store.Read(key, txn, p)
}

// scan returns the visible rows matching pred. Levels that lock scans take
// a predicate lock first, so matching writers of other transactions wait
// for this one to end.
func (e *Engine) scan(ctx context.Context, txn *tx.Transaction, pred storage.Predicate) ([]storage.KV, error) {
	p := isolation.For(txn.Level)
	if mode, ok := p.LockModeFor(isolation.OpScan); ok {
		if _, err := e.acquire(ctx, txn, lock.Request{Mode: mode, Predicate: &pred}); err != nil {
			return nil, err
		}
	}
	txn.RecordPredicate(pred)
	return e.store.Scan(pred, txn, p), nil
}

// mutation computes the new value of a row. view is the row visible to the
// statement and latest the newest row any writer holding the lock sees;
// either is nil when there is no row. A nil result deletes the row.
type mutation func(view, latest storage.Row) (storage.Row, error)

// mutate runs a write statement: it locks the row exclusively, checks the
// state the row was left in if it had to wait, applies fn to the visible
// row and stores the result.
func (e *Engine) mutate(ctx context.Context, txn *tx.Transaction, key storage.Key, fn mutation) error {
	p := isolation.For(txn.Level)

	// The lock carries the images of the write so predicate locks of
	// other transactions can see it. They are estimated from the newest
	// row before the wait and refreshed once the real result is known.
	before := rowOf(mvcc.Latest(e.store.Chain(key), txn.ID))
	images := []storage.Row{before}
	if guess, err := fn(before, before); err == nil {
		images = append(images, guess)
	}

	mode, locks := p.LockModeFor(isolation.OpWrite)
	var waited bool
	if locks {
		var err error
		waited, err = e.acquire(ctx, txn, lock.Request{Key: key, Mode: mode, Images: images})
		if err != nil {
			return err
		}
		if p.ReleaseAfterWrite() {
			defer e.locks.Release(txn.ID, key)
		}
	}

	chain := e.store.Chain(key)
	if waited {
		if err := p.CheckWriteAfterWait(key, chain, txn); err != nil {
			return err
		}
	}
	view := p.Visible(key, chain, txn)
	latest := mvcc.Latest(chain, txn.ID)
	before = rowOf(latest)

	next, err := fn(rowOf(view), before)
	if err != nil {
		return err
	}

	if locks && next != nil && !containsRow(images, next) {
		if _, err := e.acquire(ctx, txn, lock.Request{Key: key, Mode: mode, Images: []storage.Row{next}}); err != nil {
			return err
		}
	}

	if next == nil {
		if err := e.store.Delete(key, txn); err != nil {
			// A row only another writer's uncommitted version holds is not
			// there to delete. A committed row that vanished is a conflict.
			if view != nil && view.IsCommitted() && errors.Is(err, storage.ErrNotFound) {
				return errors.Wrapf(storage.ErrSerializationConflict,
					"tx %d: %s was deleted concurrently", txn.ID, key)
			}
			return err
		}
	} else {
		e.store.Write(key, next, txn)
	}
	txn.SetWriteImage(key, before, next)
	return nil
}

func rowOf(v *mvcc.Version) storage.Row {
	if v == nil {
		return nil
	}
	return v.Value
}

func containsRow(rows []storage.Row, r storage.Row) bool {
	for _, x := range rows {
		if x.Equal(r) {
			return true
		}
	}
	return false
}
