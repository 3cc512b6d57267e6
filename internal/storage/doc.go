// Package storage holds the types shared by every layer of the isodb engine:
// row keys, row values, predicates, isolation levels, and the error taxonomy
// sessions observe.
//
// # Overview
//
// isodb is an in-process multi-version row store. A row is addressed by a
// Key (table name plus integer id) and carries a Row, a map of column name to
// value. Transactions run at one of four isolation levels:
//
//   - ReadUncommitted: sees uncommitted writes of other transactions
//   - ReadCommitted: every statement sees the latest committed data
//   - RepeatableRead: rows already read keep their value; new rows may appear
//   - Serializable: the whole transaction reads a single snapshot and commit
//     is validated against concurrent writers
//
// # Packages
//
// The engine is split the same way a disk-backed storage engine would be:
//
//	storage/mvcc       version chains and the ordered key index
//	storage/tx         transaction lifecycle and commit protocol
//	storage/lock       row and predicate locks, deadlock detection
//	storage/isolation  per-level visibility and conflict rules
//
// The engine package wires them together behind a Session API.
//
// # Errors
//
// Abort-class errors (ErrLockTimeout, ErrDeadlockAborted,
// ErrSerializationConflict) always leave the transaction aborted. Use
// IsRetryable to tell them apart from statement errors such as ErrNotFound,
// which leave the transaction usable.
package storage
