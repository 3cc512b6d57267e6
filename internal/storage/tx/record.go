package tx

import "github.com/KilimcininKorOglu/isodb/internal/storage"

// Record is the part of a committed transaction kept for validating the
// transactions that overlapped it.
type Record struct {
	ID       storage.TxID
	Level    storage.IsolationLevel
	StartTS  storage.Timestamp
	CommitTS storage.Timestamp
	Writes   map[storage.Key]WriteImage
}

// Wrote reports whether the committed transaction wrote key.
func (r *Record) Wrote(key storage.Key) bool {
	_, ok := r.Writes[key]
	return ok
}

// Touches reports whether any row image the committed transaction wrote
// matches p.
func (r *Record) Touches(p storage.Predicate) bool {
	for key, img := range r.Writes {
		if p.MatchesAny(key, img.Before, img.After) {
			return true
		}
	}
	return false
}

func newRecord(txn *Transaction) *Record {
	return &Record{
		ID:       txn.ID,
		Level:    txn.Level,
		StartTS:  txn.StartTS,
		CommitTS: txn.CommitTS,
		Writes:   txn.WriteImages(),
	}
}
