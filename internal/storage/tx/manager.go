package tx

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/KilimcininKorOglu/isodb/internal/storage"
)

// Transaction manager errors.
var (
	ErrTxNotFound     = errors.New("transaction not found")
	ErrNilTransaction = errors.New("transaction is nil")
	ErrInvalidLevel   = errors.New("invalid isolation level")
)

// Publisher makes a transaction's versions visible at its commit timestamp,
// or throws them away on abort.
type Publisher interface {
	Publish(txn *Transaction, commitTS storage.Timestamp)
	Discard(txn *Transaction)
}

// Releaser frees every lock a transaction holds.
type Releaser interface {
	ReleaseAll(id storage.TxID)
}

// Options configures a TxManager.
type Options struct {
	Publisher Publisher
	Releaser  Releaser

	// Validators returns the commit-time validator for a level. A nil
	// function, or a nil validator, accepts every commit.
	Validators func(storage.IsolationLevel) Validator
}

// TxStats reports transaction counters.
type TxStats struct {
	Active    int
	Committed uint64
	Aborted   uint64
	History   int
	Clock     storage.Timestamp
}

// TxManager manages transaction lifecycle: begin, commit, and abort.
// It assigns unique transaction IDs and commit timestamps, tracks active
// transactions, and keeps the history of committed writers that commit-time
// validation runs against.
type TxManager struct {
	// nextTxID is the next transaction ID to assign (atomic).
	nextTxID uint64

	// clock is the commit timestamp of the most recent commit (atomic).
	clock uint64

	committed uint64
	aborted   uint64

	// activeTx maps transaction IDs to active transactions.
	activeTx map[storage.TxID]*Transaction

	// history holds committed writers ordered by commit timestamp. It is
	// only touched under commitMu.
	history []*Record

	publisher  Publisher
	releaser   Releaser
	validators func(storage.IsolationLevel) Validator

	// mu protects activeTx map.
	mu sync.RWMutex

	// commitMu serializes commits and aborts.
	commitMu sync.Mutex
}

// NewTxManager creates a new transaction manager.
func NewTxManager(opts Options) *TxManager {
	tm := &TxManager{
		nextTxID:   1, // Start from 1, 0 is reserved
		activeTx:   make(map[storage.TxID]*Transaction),
		publisher:  opts.Publisher,
		releaser:   opts.Releaser,
		validators: opts.Validators,
	}
	if tm.publisher == nil {
		tm.publisher = nopPublisher{}
	}
	if tm.releaser == nil {
		tm.releaser = nopReleaser{}
	}
	return tm
}

// Begin starts a new transaction at the given isolation level.
// The transaction gets a unique, monotonically increasing ID and starts at
// the current commit clock.
func (tm *TxManager) Begin(level storage.IsolationLevel) (*Transaction, error) {
	if !level.Valid() {
		return nil, errors.Wrapf(ErrInvalidLevel, "level %d", int(level))
	}

	txID := storage.TxID(atomic.AddUint64(&tm.nextTxID, 1) - 1)

	// The start timestamp and the active set change together so the GC
	// horizon never passes a transaction that is being registered.
	tm.mu.Lock()
	txn := NewTransaction(txID, level, tm.Clock())
	txn.SetClock(tm.Clock)
	if tm.validators != nil {
		txn.validator = tm.validators(level)
	}
	tm.activeTx[txID] = txn
	tm.mu.Unlock()

	return txn, nil
}

// Commit commits the transaction, making all of its versions visible.
// The commit protocol, run under the commit mutex:
// 1. Validate against transactions that committed after this one started
// 2. Assign the next commit timestamp
// 3. Stamp the transaction's versions with it
// 4. Record the transaction in the history and advance the clock
// 5. Release the transaction's locks
//
// A failed validation aborts the transaction and returns its error.
func (tm *TxManager) Commit(txn *Transaction) error {
	if txn == nil {
		return ErrNilTransaction
	}

	tm.commitMu.Lock()
	defer tm.commitMu.Unlock()

	if !txn.IsActive() {
		return errors.Wrapf(storage.ErrTxNotActive, "tx %d is %s", txn.ID, txn.Status())
	}

	tm.mu.RLock()
	_, exists := tm.activeTx[txn.ID]
	tm.mu.RUnlock()
	if !exists {
		return errors.Wrapf(ErrTxNotFound, "tx %d", txn.ID)
	}

	if txn.validator != nil {
		if err := txn.validator.CheckConflict(txn, tm.committedAfterLocked(txn.StartTS)); err != nil {
			tm.abortLocked(txn)
			return err
		}
	}

	commitTS := storage.Timestamp(atomic.LoadUint64(&tm.clock) + 1)
	readOnly := txn.ReadOnly()
	if !readOnly {
		tm.publisher.Publish(txn, commitTS)
	}

	txn.mu.Lock()
	txn.State = TxCommitted
	txn.CommitTS = commitTS
	txn.mu.Unlock()

	if !readOnly {
		tm.history = append(tm.history, newRecord(txn))
	}
	atomic.StoreUint64(&tm.clock, uint64(commitTS))
	atomic.AddUint64(&tm.committed, 1)

	tm.mu.Lock()
	delete(tm.activeTx, txn.ID)
	tm.mu.Unlock()

	tm.releaser.ReleaseAll(txn.ID)
	return nil
}

// Abort rolls the transaction back: its versions and delete markers are
// discarded and its locks released. Aborting a transaction that already
// ended is a no-op.
func (tm *TxManager) Abort(txn *Transaction) error {
	if txn == nil {
		return ErrNilTransaction
	}

	tm.commitMu.Lock()
	defer tm.commitMu.Unlock()

	if !txn.IsActive() {
		return nil
	}
	tm.abortLocked(txn)
	return nil
}

func (tm *TxManager) abortLocked(txn *Transaction) {
	tm.publisher.Discard(txn)
	txn.SetState(TxAborted)
	atomic.AddUint64(&tm.aborted, 1)

	tm.mu.Lock()
	delete(tm.activeTx, txn.ID)
	tm.mu.Unlock()

	tm.releaser.ReleaseAll(txn.ID)
}

// committedAfterLocked returns the history records with a commit timestamp
// greater than ts. Callers hold commitMu.
func (tm *TxManager) committedAfterLocked(ts storage.Timestamp) []*Record {
	i := sort.Search(len(tm.history), func(i int) bool {
		return tm.history[i].CommitTS > ts
	})
	out := make([]*Record, len(tm.history)-i)
	copy(out, tm.history[i:])
	return out
}

// CommittedAfter returns the committed writers with a commit timestamp
// greater than ts, oldest first.
func (tm *TxManager) CommittedAfter(ts storage.Timestamp) []*Record {
	tm.commitMu.Lock()
	defer tm.commitMu.Unlock()
	return tm.committedAfterLocked(ts)
}

// Clock returns the commit timestamp of the latest commit.
func (tm *TxManager) Clock() storage.Timestamp {
	return storage.Timestamp(atomic.LoadUint64(&tm.clock))
}

// GetTransaction returns an active transaction by ID.
func (tm *TxManager) GetTransaction(id storage.TxID) (*Transaction, bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	txn, ok := tm.activeTx[id]
	return txn, ok
}

// ActiveCount returns the number of active transactions.
func (tm *TxManager) ActiveCount() int {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return len(tm.activeTx)
}

// OldestActiveStart returns the smallest start timestamp among active
// transactions, or the current clock when none is active. No active
// transaction can read at a timestamp below it.
func (tm *TxManager) OldestActiveStart() storage.Timestamp {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	oldest := tm.Clock()
	for _, txn := range tm.activeTx {
		if txn.StartTS < oldest {
			oldest = txn.StartTS
		}
	}
	return oldest
}

// Prune drops history records committed at or before horizon. Pass
// OldestActiveStart: no active transaction validates against them.
// It returns the number of records dropped.
func (tm *TxManager) Prune(horizon storage.Timestamp) int {
	tm.commitMu.Lock()
	defer tm.commitMu.Unlock()

	i := sort.Search(len(tm.history), func(i int) bool {
		return tm.history[i].CommitTS > horizon
	})
	if i == 0 {
		return 0
	}
	tm.history = append([]*Record(nil), tm.history[i:]...)
	return i
}

// Stats returns transaction counters.
func (tm *TxManager) Stats() TxStats {
	tm.commitMu.Lock()
	history := len(tm.history)
	tm.commitMu.Unlock()

	return TxStats{
		Active:    tm.ActiveCount(),
		Committed: atomic.LoadUint64(&tm.committed),
		Aborted:   atomic.LoadUint64(&tm.aborted),
		History:   history,
		Clock:     tm.Clock(),
	}
}

type nopPublisher struct{}

func (nopPublisher) Publish(*Transaction, storage.Timestamp) {}
func (nopPublisher) Discard(*Transaction)                    {}

type nopReleaser struct{}

func (nopReleaser) ReleaseAll(storage.TxID) {}
