package mvcc

import "github.com/KilimcininKorOglu/isodb/internal/storage"

// Current returns the newest version of chain for which created reports
// true, or nil. Versions are ranked by chain position, which is creation
// order: a write placed on top of another transaction's uncommitted version
// stays on top whichever of the two commits first.
func Current(chain []*Version, created func(*Version) bool) *Version {
	for i := len(chain) - 1; i >= 0; i-- {
		if created(chain[i]) {
			return chain[i]
		}
	}
	return nil
}

// AsOf returns the version self sees in a snapshot taken at ts: its own
// writes, otherwise the newest version committed at or before ts. It
// returns nil when the row did not exist or was deleted in that snapshot.
func AsOf(chain []*Version, ts storage.Timestamp, self storage.TxID) *Version {
	v := Current(chain, func(v *Version) bool {
		return v.CreatedBy == self || (v.IsCommitted() && v.CreatedAt <= ts)
	})
	if v == nil {
		return nil
	}
	if v.DeletedBy == self || (v.IsDeleted() && v.DeletedAt <= ts) {
		return nil
	}
	return v
}

// Latest returns the newest committed version, or self's own write, ignoring
// timestamps. It is the state a writer that holds the row lock sees.
func Latest(chain []*Version, self storage.TxID) *Version {
	v := Current(chain, func(v *Version) bool {
		return v.CreatedBy == self || v.IsCommitted()
	})
	if v == nil || v.DeletedBy == self || v.IsDeleted() {
		return nil
	}
	return v
}

// Dirty returns the newest version including uncommitted writes of other
// transactions. A delete hides the row once it committed, or when self made
// it.
func Dirty(chain []*Version, self storage.TxID) *Version {
	v := Current(chain, func(*Version) bool { return true })
	if v == nil || v.DeletedBy == self || v.IsDeleted() {
		return nil
	}
	return v
}

// Own returns self's uncommitted version of the row and whether self has
// written the row at all. A nil version with true means self deleted it.
func Own(chain []*Version, self storage.TxID) (*Version, bool) {
	var own *Version
	touched := false
	for _, v := range chain {
		if v.CreatedBy == self && !v.IsCommitted() {
			own = v
			touched = true
		}
		if v.DeletedBy == self && !v.IsDeleted() {
			touched = true
		}
	}
	if own != nil && own.DeletedBy == self {
		return nil, true
	}
	if own == nil && touched {
		return nil, true
	}
	return own, touched
}

// LastChange returns the newest commit timestamp among the chain's
// creations and deletions.
func LastChange(chain []*Version) storage.Timestamp {
	var ts storage.Timestamp
	for _, v := range chain {
		if c := v.LastChange(); c > ts {
			ts = c
		}
	}
	return ts
}
