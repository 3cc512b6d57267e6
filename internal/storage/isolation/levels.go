package isolation

import (
	"github.com/cockroachdb/errors"

	"github.com/KilimcininKorOglu/isodb/internal/storage"
	"github.com/KilimcininKorOglu/isodb/internal/storage/lock"
	"github.com/KilimcininKorOglu/isodb/internal/storage/mvcc"
	"github.com/KilimcininKorOglu/isodb/internal/storage/tx"
)

// readUncommitted sees the newest version of every row, committed or not,
// and holds write locks only for the duration of the write.
type readUncommitted struct{}

func (readUncommitted) Level() storage.IsolationLevel { return storage.ReadUncommitted }

func (readUncommitted) Visible(_ storage.Key, chain []*mvcc.Version, txn *tx.Transaction) *mvcc.Version {
	return mvcc.Dirty(chain, txn.ID)
}

func (readUncommitted) CheckConflict(*tx.Transaction, []*tx.Record) error { return nil }

func (readUncommitted) CheckWriteAfterWait(storage.Key, []*mvcc.Version, *tx.Transaction) error {
	return nil
}

func (readUncommitted) LockModeFor(op Operation) (lock.Mode, bool) { return writeLock(op) }

func (readUncommitted) ReleaseAfterWrite() bool { return true }

// readCommitted sees, at every statement, the latest committed version plus
// its own writes.
type readCommitted struct{}

func (readCommitted) Level() storage.IsolationLevel { return storage.ReadCommitted }

func (readCommitted) Visible(_ storage.Key, chain []*mvcc.Version, txn *tx.Transaction) *mvcc.Version {
	return mvcc.AsOf(chain, txn.Now(), txn.ID)
}

func (readCommitted) CheckConflict(*tx.Transaction, []*tx.Record) error { return nil }

func (readCommitted) CheckWriteAfterWait(storage.Key, []*mvcc.Version, *tx.Transaction) error {
	return nil
}

func (readCommitted) LockModeFor(op Operation) (lock.Mode, bool) { return writeLock(op) }

func (readCommitted) ReleaseAfterWrite() bool { return false }

// repeatableRead reads the snapshot taken when the transaction began. A row
// keeps the value of its first read. Rows that did not exist in the snapshot
// are read at the latest commit, so a rescan can return rows that were not
// there the first time.
type repeatableRead struct{}

func (repeatableRead) Level() storage.IsolationLevel { return storage.RepeatableRead }

func (repeatableRead) Visible(key storage.Key, chain []*mvcc.Version, txn *tx.Transaction) *mvcc.Version {
	if own, touched := mvcc.Own(chain, txn.ID); touched {
		return own
	}
	if e, ok := txn.ReadOf(key); ok {
		if !e.Exists() {
			return nil
		}
		return &mvcc.Version{ID: e.Version, Value: e.Row, CreatedAt: e.CreatedAt}
	}
	if v := mvcc.AsOf(chain, txn.StartTS, txn.ID); v != nil {
		return v
	}
	return mvcc.AsOf(chain, txn.Now(), txn.ID)
}

// snapshotOf returns the timestamp of the state of key the transaction
// based its reads on: the read itself for rows that appeared after the
// snapshot, the start timestamp otherwise.
func snapshotOf(txn *tx.Transaction, key storage.Key) storage.Timestamp {
	if e, ok := txn.ReadOf(key); ok && e.Exists() && e.CreatedAt > txn.StartTS {
		return e.ReadTS
	}
	return txn.StartTS
}

// CheckConflict rejects the commit when a row the transaction wrote was
// changed by a transaction that committed after the state it was based on.
func (repeatableRead) CheckConflict(txn *tx.Transaction, concurrent []*tx.Record) error {
	for _, key := range txn.GetWriteSet() {
		since := snapshotOf(txn, key)
		for _, r := range concurrent {
			if r.ID != txn.ID && r.CommitTS > since && r.Wrote(key) {
				return conflict(txn, key, r)
			}
		}
	}
	return nil
}

// CheckWriteAfterWait rejects a write to a row that changed after the
// transaction's snapshot, whether or not it read the row before.
func (repeatableRead) CheckWriteAfterWait(key storage.Key, chain []*mvcc.Version, txn *tx.Transaction) error {
	since := snapshotOf(txn, key)
	if ts := mvcc.LastChange(chain); ts > since {
		return errors.Wrapf(storage.ErrSerializationConflict,
			"tx %d: %s changed at %d after snapshot %d", txn.ID, key, ts, since)
	}
	return nil
}

func (repeatableRead) LockModeFor(op Operation) (lock.Mode, bool) { return writeLock(op) }

func (repeatableRead) ReleaseAfterWrite() bool { return false }

// serializable reads a single snapshot taken at the start timestamp, locks
// the predicates it scans, and validates its commit against every
// transaction that committed during its lifetime.
type serializable struct{}

func (serializable) Level() storage.IsolationLevel { return storage.Serializable }

func (serializable) Visible(_ storage.Key, chain []*mvcc.Version, txn *tx.Transaction) *mvcc.Version {
	return mvcc.AsOf(chain, txn.StartTS, txn.ID)
}

// CheckConflict rejects a writing transaction when a concurrent commit wrote
// a row it read or wrote, or a row matching a predicate it scanned. Read-only
// transactions always commit: they saw one consistent snapshot.
func (serializable) CheckConflict(txn *tx.Transaction, concurrent []*tx.Record) error {
	if txn.ReadOnly() {
		return nil
	}
	preds := txn.Predicates()
	for _, r := range concurrent {
		if r.ID == txn.ID {
			continue
		}
		for key := range r.Writes {
			if txn.HasRead(key) || txn.HasWritten(key) {
				return conflict(txn, key, r)
			}
		}
		for _, p := range preds {
			if r.Touches(p) {
				return errors.WithDetailf(
					errors.Wrapf(storage.ErrSerializationConflict, "tx %d: %s", txn.ID, p),
					"rows written by tx %d committed at %d", r.ID, r.CommitTS)
			}
		}
	}
	return nil
}

// CheckWriteAfterWait rejects a write to a row that changed after the
// transaction's snapshot.
func (serializable) CheckWriteAfterWait(key storage.Key, chain []*mvcc.Version, txn *tx.Transaction) error {
	if ts := mvcc.LastChange(chain); ts > txn.StartTS {
		return errors.Wrapf(storage.ErrSerializationConflict,
			"tx %d: %s changed at %d after snapshot %d", txn.ID, key, ts, txn.StartTS)
	}
	return nil
}

func (serializable) LockModeFor(op Operation) (lock.Mode, bool) {
	if op == OpScan {
		return lock.Shared, true
	}
	return writeLock(op)
}

func (serializable) ReleaseAfterWrite() bool { return false }
