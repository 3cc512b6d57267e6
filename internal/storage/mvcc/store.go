package mvcc

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/google/btree"

	"github.com/KilimcininKorOglu/isodb/internal/storage"
	"github.com/KilimcininKorOglu/isodb/internal/storage/tx"
)

// DefaultBTreeDegree is the degree of the ordered key index.
const DefaultBTreeDegree = 32

// Visibility selects the version of a row a transaction may see. It is
// implemented by the isolation policies.
type Visibility interface {
	Visible(key storage.Key, chain []*Version, txn *tx.Transaction) *Version
}

// VersionStore manages version chains for all rows.
// Chains live in a btree ordered by key so a scan visits one table's rows in
// key order. The store itself applies no visibility rule: readers pass the
// policy that chooses among the versions.
type VersionStore struct {
	// index orders chains by key.
	index *btree.BTree

	// nextVersion is the last version ID assigned (atomic).
	nextVersion uint64

	// mu protects the index. Chain locks are taken after mu, never before.
	mu sync.RWMutex
}

// NewVersionStore creates an empty version store.
func NewVersionStore() *VersionStore {
	return &VersionStore{index: btree.New(DefaultBTreeDegree)}
}

func pivot(key storage.Key) *VersionChain {
	return &VersionChain{key: key}
}

// getChain returns the chain of key, creating it when create is set.
func (vs *VersionStore) getChain(key storage.Key, create bool) *VersionChain {
	vs.mu.RLock()
	item := vs.index.Get(pivot(key))
	vs.mu.RUnlock()
	if item != nil {
		return item.(*VersionChain)
	}
	if !create {
		return nil
	}

	vs.mu.Lock()
	defer vs.mu.Unlock()
	if item := vs.index.Get(pivot(key)); item != nil {
		return item.(*VersionChain)
	}
	c := newVersionChain(key)
	vs.index.ReplaceOrInsert(c)
	return c
}

// lockChain returns the live chain of key with its write lock held.
func (vs *VersionStore) lockChain(key storage.Key) *VersionChain {
	for {
		c := vs.getChain(key, true)
		c.mu.Lock()
		if !c.removed {
			return c
		}
		c.mu.Unlock()
	}
}

// Write appends a new uncommitted version of key holding row and adds key to
// the transaction's write set. The caller must hold the row's exclusive lock
// (or be running at a level that writes without one).
func (vs *VersionStore) Write(key storage.Key, row storage.Row, txn *tx.Transaction) storage.VersionID {
	v := &Version{
		ID:        storage.VersionID(atomic.AddUint64(&vs.nextVersion, 1)),
		Value:     row.Clone(),
		CreatedBy: txn.ID,
	}

	c := vs.lockChain(key)
	c.versions = append(c.versions, v)
	c.mu.Unlock()

	txn.AddToWriteSet(key)
	return v.ID
}

// Delete marks the newest committed version of key, or the transaction's own
// write, as deleted by the transaction and adds key to its write set. Other
// transactions' uncommitted versions are never marked, so their rollback
// cannot take the delete with them. It returns ErrNotFound when the row is
// already gone.
func (vs *VersionStore) Delete(key storage.Key, txn *tx.Transaction) error {
	c := vs.getChain(key, false)
	if c == nil {
		return storage.NotFound(key)
	}

	c.mu.Lock()
	target := Current(c.versions, func(v *Version) bool {
		return v.CreatedBy == txn.ID || v.IsCommitted()
	})
	if target == nil || target.IsDeleted() || target.HasPendingDelete() || c.removed {
		c.mu.Unlock()
		return storage.NotFound(key)
	}
	target.DeletedBy = txn.ID
	c.mu.Unlock()

	txn.AddToWriteSet(key)
	return nil
}

// Read returns the row value the policy makes visible to the transaction and
// records the read. It returns ErrNotFound when no version is visible.
func (vs *VersionStore) Read(key storage.Key, txn *tx.Transaction, vis Visibility) (storage.Row, error) {
	readTS := txn.Now()
	v := vis.Visible(key, vs.Chain(key), txn)
	recordRead(txn, key, v, readTS)
	if v == nil {
		return nil, storage.NotFound(key)
	}
	return v.Value.Clone(), nil
}

// Scan returns, in key order, every row of the predicate's table whose
// visible version matches the predicate. Each returned row is recorded as
// read.
func (vs *VersionStore) Scan(pred storage.Predicate, txn *tx.Transaction, vis Visibility) []storage.KV {
	readTS := txn.Now()

	var out []storage.KV
	for _, c := range vs.chainsFor(pred) {
		v := vis.Visible(c.key, c.Versions(), txn)
		if v == nil || !pred.Matches(c.key, v.Value) {
			continue
		}
		recordRead(txn, c.key, v, readTS)
		out = append(out, storage.KV{Key: c.key, Row: v.Value.Clone()})
	}
	return out
}

func recordRead(txn *tx.Transaction, key storage.Key, v *Version, readTS storage.Timestamp) {
	entry := tx.ReadEntry{ReadTS: readTS}
	if v != nil {
		entry.Row = v.Value
		entry.Version = v.ID
		entry.CreatedAt = v.CreatedAt
	}
	txn.RecordRead(key, entry)
}

// chainsFor collects the chains a predicate can match, narrowing the range
// with conditions on the id column.
func (vs *VersionStore) chainsFor(pred storage.Predicate) []*VersionChain {
	lo, hi, ok := idBounds(pred)
	if !ok {
		return nil
	}

	vs.mu.RLock()
	defer vs.mu.RUnlock()

	var chains []*VersionChain
	collect := func(i btree.Item) bool {
		chains = append(chains, i.(*VersionChain))
		return true
	}
	from := pivot(storage.K(pred.Table, lo))
	if hi == math.MaxInt64 {
		vs.index.AscendGreaterOrEqual(from, func(i btree.Item) bool {
			if i.(*VersionChain).key.Table != pred.Table {
				return false
			}
			return collect(i)
		})
		return chains
	}
	vs.index.AscendRange(from, pivot(storage.K(pred.Table, hi+1)), collect)
	return chains
}

// idBounds returns the inclusive id range allowed by the predicate's id
// conditions. ok is false when the conditions cannot be satisfied.
func idBounds(pred storage.Predicate) (lo, hi int64, ok bool) {
	lo, hi = math.MinInt64, math.MaxInt64
	for _, c := range pred.Conds {
		if c.Column != storage.IDColumn {
			continue
		}
		id, isInt := c.Value.(int64)
		if !isInt {
			continue
		}
		switch c.Op {
		case storage.OpEq:
			lo, hi = max(lo, id), min(hi, id)
		case storage.OpLt:
			if id == math.MinInt64 {
				return 0, 0, false
			}
			hi = min(hi, id-1)
		case storage.OpLe:
			hi = min(hi, id)
		case storage.OpGt:
			if id == math.MaxInt64 {
				return 0, 0, false
			}
			lo = max(lo, id+1)
		case storage.OpGe:
			lo = max(lo, id)
		}
	}
	return lo, hi, lo <= hi
}

// Chain returns copies of the versions of key, oldest first.
func (vs *VersionStore) Chain(key storage.Key) []*Version {
	c := vs.getChain(key, false)
	if c == nil {
		return nil
	}
	return c.Versions()
}

// Publish stamps every version the transaction created or deleted with its
// commit timestamp. It runs under the transaction manager's commit mutex.
func (vs *VersionStore) Publish(txn *tx.Transaction, commitTS storage.Timestamp) {
	for _, key := range txn.GetWriteSet() {
		c := vs.getChain(key, false)
		if c == nil {
			continue
		}
		c.mu.Lock()
		for _, v := range c.versions {
			if v.CreatedBy == txn.ID && v.CreatedAt == 0 {
				v.CreatedAt = commitTS
			}
			if v.DeletedBy == txn.ID && v.DeletedAt == 0 {
				v.DeletedAt = commitTS
			}
		}
		c.mu.Unlock()
	}
}

// Discard removes the transaction's uncommitted versions and clears its
// pending delete markers. Chains left empty are dropped from the index.
func (vs *VersionStore) Discard(txn *tx.Transaction) {
	var emptied []*VersionChain
	for _, key := range txn.GetWriteSet() {
		c := vs.getChain(key, false)
		if c == nil {
			continue
		}
		c.mu.Lock()
		kept := c.versions[:0]
		for _, v := range c.versions {
			if v.CreatedBy == txn.ID && v.CreatedAt == 0 {
				continue
			}
			if v.DeletedBy == txn.ID && v.DeletedAt == 0 {
				v.DeletedBy = 0
			}
			kept = append(kept, v)
		}
		for i := len(kept); i < len(c.versions); i++ {
			c.versions[i] = nil
		}
		c.versions = kept
		if len(kept) == 0 {
			emptied = append(emptied, c)
		}
		c.mu.Unlock()
	}

	if len(emptied) == 0 {
		return
	}
	vs.mu.Lock()
	defer vs.mu.Unlock()
	for _, c := range emptied {
		c.mu.Lock()
		if len(c.versions) == 0 && !c.removed {
			c.removed = true
			vs.index.Delete(c)
		}
		c.mu.Unlock()
	}
}

// GarbageCollect removes versions no reader can select any more and returns
// how many were removed. horizon is the oldest start timestamp of any active
// transaction: every reader sees at least the newest version committed at or
// before it, so older committed versions are unreachable. A row whose delete
// committed at or before horizon is dropped entirely.
func (vs *VersionStore) GarbageCollect(horizon storage.Timestamp) int {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	removed := 0
	var emptied []*VersionChain
	vs.index.Ascend(func(i btree.Item) bool {
		c := i.(*VersionChain)
		c.mu.Lock()
		removed += c.collectLocked(horizon)
		if len(c.versions) == 0 {
			c.removed = true
			emptied = append(emptied, c)
		}
		c.mu.Unlock()
		return true
	})
	for _, c := range emptied {
		vs.index.Delete(c)
	}
	return removed
}

func (c *VersionChain) collectLocked(horizon storage.Timestamp) int {
	base := -1
	for i := len(c.versions) - 1; i >= 0; i-- {
		if v := c.versions[i]; v.IsCommitted() && v.CreatedAt <= horizon {
			base = i
			break
		}
	}
	if base < 0 {
		return 0
	}
	dropBase := c.versions[base].IsDeleted() && c.versions[base].DeletedAt <= horizon

	// Committed versions below the base are hidden by it from every reader.
	// Uncommitted ones and pending deletes still belong to their writers.
	kept := make([]*Version, 0, len(c.versions))
	for i, v := range c.versions {
		switch {
		case i == base && dropBase:
		case i < base && v.IsCommitted() && !v.HasPendingDelete():
		default:
			kept = append(kept, v)
		}
	}
	removed := len(c.versions) - len(kept)
	c.versions = kept
	return removed
}

// VersionStoreStats reports the shape of the store.
type VersionStoreStats struct {
	EntryCount       int
	TotalVersions    int
	AverageChainLen  float64
	MaxChainLen      int
	DeletedEntries   int
	UncommittedCount int
}

// EntryCount returns the number of keys with at least one version.
func (vs *VersionStore) EntryCount() int {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	return vs.index.Len()
}

// Stats returns current statistics about the version store.
func (vs *VersionStore) Stats() VersionStoreStats {
	vs.mu.RLock()
	defer vs.mu.RUnlock()

	stats := VersionStoreStats{EntryCount: vs.index.Len()}
	vs.index.Ascend(func(i btree.Item) bool {
		c := i.(*VersionChain)
		c.mu.RLock()
		defer c.mu.RUnlock()

		n := len(c.versions)
		stats.TotalVersions += n
		if n > stats.MaxChainLen {
			stats.MaxChainLen = n
		}
		for _, v := range c.versions {
			if !v.IsCommitted() {
				stats.UncommittedCount++
			}
		}
		if top := Current(c.versions, func(v *Version) bool { return v.IsCommitted() }); top != nil && top.IsDeleted() {
			stats.DeletedEntries++
		}
		return true
	})
	if stats.EntryCount > 0 {
		stats.AverageChainLen = float64(stats.TotalVersions) / float64(stats.EntryCount)
	}
	return stats
}
