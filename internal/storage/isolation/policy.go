// Package isolation defines the per-level rules of isodb: which version of a
// row a transaction sees, which locks its operations take, and which
// concurrent commits it may not survive.
package isolation

import (
	"github.com/cockroachdb/errors"

	"github.com/KilimcininKorOglu/isodb/internal/storage"
	"github.com/KilimcininKorOglu/isodb/internal/storage/lock"
	"github.com/KilimcininKorOglu/isodb/internal/storage/mvcc"
	"github.com/KilimcininKorOglu/isodb/internal/storage/tx"
)

// Operation is a kind of statement a policy assigns locks to.
type Operation int

const (
	OpRead Operation = iota
	OpScan
	OpWrite
)

// String returns the operation name.
func (o Operation) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpScan:
		return "scan"
	case OpWrite:
		return "write"
	default:
		return "unknown"
	}
}

// Policy is the strategy for one isolation level. Policies are stateless;
// everything they depend on lives in the transaction.
type Policy interface {
	// Level returns the isolation level the policy implements.
	Level() storage.IsolationLevel

	// Visible picks the version of key the transaction sees, or nil.
	Visible(key storage.Key, chain []*mvcc.Version, txn *tx.Transaction) *mvcc.Version

	// CheckConflict validates a commit against the transactions that
	// committed after txn started.
	CheckConflict(txn *tx.Transaction, concurrent []*tx.Record) error

	// CheckWriteAfterWait runs when a write had to wait for another
	// transaction's lock; chain is the state after the wait.
	CheckWriteAfterWait(key storage.Key, chain []*mvcc.Version, txn *tx.Transaction) error

	// LockModeFor returns the lock an operation takes, if any.
	LockModeFor(op Operation) (lock.Mode, bool)

	// ReleaseAfterWrite reports whether write locks are dropped as soon as
	// the write is done instead of at commit.
	ReleaseAfterWrite() bool
}

var policies = map[storage.IsolationLevel]Policy{
	storage.ReadUncommitted: readUncommitted{},
	storage.ReadCommitted:   readCommitted{},
	storage.RepeatableRead:  repeatableRead{},
	storage.Serializable:    serializable{},
}

// For returns the policy of an isolation level. Unknown levels get the
// ReadCommitted policy.
func For(level storage.IsolationLevel) Policy {
	if p, ok := policies[level]; ok {
		return p
	}
	return readCommitted{}
}

// Validator adapts For to the commit-time validator lookup of tx.Options.
func Validator(level storage.IsolationLevel) tx.Validator {
	return For(level)
}

func conflict(txn *tx.Transaction, key storage.Key, other *tx.Record) error {
	return errors.WithDetailf(
		errors.Wrapf(storage.ErrSerializationConflict, "tx %d: %s", txn.ID, key),
		"changed by tx %d committed at %d", other.ID, other.CommitTS)
}

// writeLock is the lock mode table shared by every level: reads are served
// from versions and never lock, writes lock the row exclusively.
func writeLock(op Operation) (lock.Mode, bool) {
	if op == OpWrite {
		return lock.Exclusive, true
	}
	return 0, false
}
