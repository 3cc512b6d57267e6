// Package tx implements transaction management for the isodb engine.
//
// # Overview
//
// The tx package owns the transaction lifecycle:
//
//   - IDs: unique and monotonically increasing, assigned at Begin
//   - Timestamps: a logical commit clock; every commit takes the next value
//   - Read and write sets, scanned predicates, and the rows first read
//   - The history of committed writers used for commit-time validation
//
// # Transaction Lifecycle
//
//	txn, err := manager.Begin(storage.Serializable)
//	if err != nil {
//	    return err
//	}
//
//	// reads and writes go through the version store and lock manager
//
//	if err := manager.Commit(txn); err != nil {
//	    // txn has been aborted
//	    return err
//	}
//
// # Transaction States
//
//   - Active: Transaction is in progress
//   - Committed: Versions are visible at CommitTS
//   - Aborted: Versions have been discarded
//
// # Commit Protocol
//
// Commits are serialized by a single mutex. Inside it the transaction's
// Validator is run against every committed writer whose commit timestamp is
// newer than the transaction's start timestamp; on success the versions are
// stamped through the Publisher, the clock advances, and locks are released
// through the Releaser. Stamping finishes before the clock advances, so a
// reader that observes the new clock value sees every version of the commit.
package tx
