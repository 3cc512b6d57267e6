// Package tx provides transaction management for isodb.
package tx

import (
	"sync"
	"time"

	"github.com/KilimcininKorOglu/isodb/internal/storage"
)

// TxState represents the state of a transaction.
type TxState int

const (
	// TxActive indicates the transaction is currently active.
	TxActive TxState = iota
	// TxCommitted indicates the transaction has been successfully committed.
	TxCommitted
	// TxAborted indicates the transaction has been rolled back.
	TxAborted
)

// String returns the string representation of a TxState.
func (s TxState) String() string {
	switch s {
	case TxActive:
		return "Active"
	case TxCommitted:
		return "Committed"
	case TxAborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// ReadEntry is what a transaction observed the first time it read a row.
type ReadEntry struct {
	// Row is the value read, nil when no version was visible.
	Row storage.Row

	// Version and CreatedAt identify the version read.
	Version   storage.VersionID
	CreatedAt storage.Timestamp

	// ReadTS is the commit clock at the time of the read.
	ReadTS storage.Timestamp
}

// Exists reports whether a row was visible at the time of the read.
func (e ReadEntry) Exists() bool {
	return e.Row != nil
}

// WriteImage holds the row value before the transaction's first write to a
// key and after its last one. A nil image means the row did not exist.
type WriteImage struct {
	Before storage.Row
	After  storage.Row
}

// Validator decides at commit time whether a transaction conflicts with the
// transactions that committed after it started.
type Validator interface {
	CheckConflict(txn *Transaction, concurrent []*Record) error
}

// Transaction represents a database transaction.
// It tracks the transaction lifecycle, the rows it read and wrote, and the
// predicates it scanned.
type Transaction struct {
	// ID is the unique transaction identifier.
	ID storage.TxID

	// Level is the isolation level fixed at begin.
	Level storage.IsolationLevel

	// State is the current state of the transaction.
	State TxState

	// StartTS is the commit clock when the transaction began. It is the
	// snapshot for snapshot-based levels.
	StartTS storage.Timestamp

	// CommitTS is assigned on successful commit.
	CommitTS storage.Timestamp

	// StartTime is when the transaction began.
	StartTime time.Time

	readSet    map[storage.Key]ReadEntry
	writeSet   map[storage.Key]*WriteImage
	writeOrder []storage.Key
	predicates []storage.Predicate

	validator Validator
	clock     func() storage.Timestamp

	// mu protects concurrent access to the transaction.
	mu sync.RWMutex
}

// NewTransaction creates a new active transaction.
func NewTransaction(id storage.TxID, level storage.IsolationLevel, startTS storage.Timestamp) *Transaction {
	return &Transaction{
		ID:        id,
		Level:     level,
		State:     TxActive,
		StartTS:   startTS,
		StartTime: time.Now(),
		readSet:   make(map[storage.Key]ReadEntry),
		writeSet:  make(map[storage.Key]*WriteImage),
	}
}

// IsActive returns true if the transaction is still active.
func (tx *Transaction) IsActive() bool {
	tx.mu.RLock()
	defer tx.mu.RUnlock()
	return tx.State == TxActive
}

// IsCommitted returns true if the transaction has been committed.
func (tx *Transaction) IsCommitted() bool {
	tx.mu.RLock()
	defer tx.mu.RUnlock()
	return tx.State == TxCommitted
}

// IsAborted returns true if the transaction has been aborted.
func (tx *Transaction) IsAborted() bool {
	tx.mu.RLock()
	defer tx.mu.RUnlock()
	return tx.State == TxAborted
}

// Status returns the current state.
func (tx *Transaction) Status() TxState {
	tx.mu.RLock()
	defer tx.mu.RUnlock()
	return tx.State
}

// Now returns the current commit clock, the instant a per-statement read is
// taken at. A transaction created outside a manager reads at its StartTS.
func (tx *Transaction) Now() storage.Timestamp {
	if tx.clock == nil {
		return tx.StartTS
	}
	return tx.clock()
}

// SetClock sets the clock Now reads. Transactions begun by a TxManager read
// the manager's commit clock.
func (tx *Transaction) SetClock(clock func() storage.Timestamp) {
	tx.clock = clock
}

// RecordRead adds a key to the read set. Only the first read of a key is
// kept, so the entry records what the transaction saw originally.
func (tx *Transaction) RecordRead(key storage.Key, entry ReadEntry) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if _, ok := tx.readSet[key]; ok {
		return
	}
	entry.Row = entry.Row.Clone()
	tx.readSet[key] = entry
}

// ReadOf returns the first read of key, if any.
func (tx *Transaction) ReadOf(key storage.Key) (ReadEntry, bool) {
	tx.mu.RLock()
	defer tx.mu.RUnlock()
	e, ok := tx.readSet[key]
	return e, ok
}

// HasRead reports whether key is in the read set.
func (tx *Transaction) HasRead(key storage.Key) bool {
	tx.mu.RLock()
	defer tx.mu.RUnlock()
	_, ok := tx.readSet[key]
	return ok
}

// ReadKeys returns the keys in the read set.
func (tx *Transaction) ReadKeys() []storage.Key {
	tx.mu.RLock()
	defer tx.mu.RUnlock()

	keys := make([]storage.Key, 0, len(tx.readSet))
	for k := range tx.readSet {
		keys = append(keys, k)
	}
	return keys
}

// AddToWriteSet adds a key to the transaction's write set.
func (tx *Transaction) AddToWriteSet(key storage.Key) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.addWriteLocked(key)
}

func (tx *Transaction) addWriteLocked(key storage.Key) *WriteImage {
	img, ok := tx.writeSet[key]
	if !ok {
		img = &WriteImage{}
		tx.writeSet[key] = img
		tx.writeOrder = append(tx.writeOrder, key)
	}
	return img
}

// SetWriteImage records the row images of a write to key. The before image
// of the first write is kept; the after image is replaced.
func (tx *Transaction) SetWriteImage(key storage.Key, before, after storage.Row) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	_, seen := tx.writeSet[key]
	img := tx.addWriteLocked(key)
	if !seen || (img.Before == nil && img.After == nil) {
		img.Before = before.Clone()
	}
	img.After = after.Clone()
}

// HasWritten reports whether key is in the write set.
func (tx *Transaction) HasWritten(key storage.Key) bool {
	tx.mu.RLock()
	defer tx.mu.RUnlock()
	_, ok := tx.writeSet[key]
	return ok
}

// GetWriteSet returns a copy of the write set keys in first-write order.
func (tx *Transaction) GetWriteSet() []storage.Key {
	tx.mu.RLock()
	defer tx.mu.RUnlock()

	result := make([]storage.Key, len(tx.writeOrder))
	copy(result, tx.writeOrder)
	return result
}

// WriteImages returns a copy of the recorded write images.
func (tx *Transaction) WriteImages() map[storage.Key]WriteImage {
	tx.mu.RLock()
	defer tx.mu.RUnlock()

	out := make(map[storage.Key]WriteImage, len(tx.writeSet))
	for k, img := range tx.writeSet {
		out[k] = *img
	}
	return out
}

// RecordPredicate remembers a predicate the transaction scanned.
func (tx *Transaction) RecordPredicate(p storage.Predicate) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	s := p.String()
	for _, existing := range tx.predicates {
		if existing.String() == s {
			return
		}
	}
	tx.predicates = append(tx.predicates, p)
}

// Predicates returns the predicates scanned so far.
func (tx *Transaction) Predicates() []storage.Predicate {
	tx.mu.RLock()
	defer tx.mu.RUnlock()

	out := make([]storage.Predicate, len(tx.predicates))
	copy(out, tx.predicates)
	return out
}

// ReadOnly reports whether the transaction has written nothing.
func (tx *Transaction) ReadOnly() bool {
	tx.mu.RLock()
	defer tx.mu.RUnlock()
	return len(tx.writeOrder) == 0
}

// SetState sets the transaction state.
func (tx *Transaction) SetState(state TxState) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.State = state
}

// Duration returns the duration since the transaction started.
func (tx *Transaction) Duration() time.Duration {
	tx.mu.RLock()
	defer tx.mu.RUnlock()
	return time.Since(tx.StartTime)
}
