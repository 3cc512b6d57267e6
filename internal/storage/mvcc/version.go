package mvcc

import (
	"sync"

	"github.com/google/btree"

	"github.com/KilimcininKorOglu/isodb/internal/storage"
)

// Version is a single version of a row in its version chain.
type Version struct {
	// ID identifies the version across the store.
	ID storage.VersionID

	// Value is the row payload. It is never mutated once stored.
	Value storage.Row

	// CreatedBy is the transaction that wrote this version.
	CreatedBy storage.TxID

	// CreatedAt is the commit timestamp of CreatedBy (0 while uncommitted).
	CreatedAt storage.Timestamp

	// DeletedBy is the transaction that deleted this version (0 if none).
	DeletedBy storage.TxID

	// DeletedAt is the commit timestamp of DeletedBy (0 while uncommitted).
	DeletedAt storage.Timestamp
}

// IsCommitted returns true if the creating transaction has committed.
func (v *Version) IsCommitted() bool {
	return v.CreatedAt > 0
}

// IsDeleted returns true if a committed transaction deleted the version.
func (v *Version) IsDeleted() bool {
	return v.DeletedAt > 0
}

// HasPendingDelete returns true if an uncommitted transaction deleted the
// version.
func (v *Version) HasPendingDelete() bool {
	return v.DeletedBy != 0 && v.DeletedAt == 0
}

// LastChange returns the latest commit timestamp that touched the version,
// either its creation or its deletion.
func (v *Version) LastChange() storage.Timestamp {
	if v.DeletedAt > v.CreatedAt {
		return v.DeletedAt
	}
	return v.CreatedAt
}

// Clone returns a copy of the version that shares the immutable row.
func (v *Version) Clone() *Version {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// VersionChain holds every live version of one row in creation order.
type VersionChain struct {
	key      storage.Key
	versions []*Version

	// removed is set once the chain is dropped from the index; writers that
	// raced with the removal retry against a fresh chain.
	removed bool

	mu sync.RWMutex
}

func newVersionChain(key storage.Key) *VersionChain {
	return &VersionChain{key: key}
}

// Key returns the row key of the chain.
func (c *VersionChain) Key() storage.Key {
	return c.key
}

// Len returns the number of versions in the chain.
func (c *VersionChain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.versions)
}

// Versions returns copies of the versions, oldest first. The copies can be
// inspected without holding any lock.
func (c *VersionChain) Versions() []*Version {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.copyLocked()
}

func (c *VersionChain) copyLocked() []*Version {
	out := make([]*Version, len(c.versions))
	for i, v := range c.versions {
		out[i] = v.Clone()
	}
	return out
}

// Less orders chains by key in the btree index.
func (c *VersionChain) Less(than btree.Item) bool {
	return c.key.Less(than.(*VersionChain).key)
}
