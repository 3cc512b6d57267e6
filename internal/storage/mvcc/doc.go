// Package mvcc implements Multi-Version Concurrency Control for the isodb
// engine.
//
// # Overview
//
// Every row is a chain of versions. Writers append uncommitted versions and
// mark the versions they delete; commit stamps both with the commit
// timestamp, abort removes them. Readers never block on the chain itself:
// they copy it and hand the copy to a Visibility, the isolation policy of
// their transaction, which picks at most one version.
//
// # Version Markers
//
//	CreatedBy / CreatedAt   writer and its commit timestamp (0 = uncommitted)
//	DeletedBy / DeletedAt   deleter and its commit timestamp (0 = pending)
//
// # Visibility Helpers
//
// The helpers implement the selection rules the policies combine:
//
//	mvcc.AsOf(chain, ts, self)   snapshot at ts plus own writes
//	mvcc.Latest(chain, self)     newest committed plus own writes
//	mvcc.Dirty(chain, self)      newest version, committed or not
//
// # Ordered Index
//
// Chains are kept in a github.com/google/btree index ordered by table and
// id, so a predicate scan walks a single table and narrows the range with
// conditions on the id column.
//
// # Garbage Collection
//
// GarbageCollector runs in the background and removes versions older than
// the newest version committed at or before the oldest active start
// timestamp:
//
//	gc := mvcc.NewGarbageCollector(store, txManager)
//	gc.Start()
//	defer gc.Stop()
package mvcc
