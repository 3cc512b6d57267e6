package storage

import (
	"fmt"
	"strings"
)

// TxID identifies a transaction. Zero is never assigned.
type TxID uint64

// Timestamp is a logical commit clock value. Zero means "not committed".
type Timestamp uint64

// VersionID identifies a single row version.
type VersionID uint64

// Key addresses a row: a table and an integer primary key.
type Key struct {
	Table string
	ID    int64
}

// K is shorthand for Key{Table: table, ID: id}.
func K(table string, id int64) Key {
	return Key{Table: table, ID: id}
}

// String returns the key as "table/id".
func (k Key) String() string {
	return fmt.Sprintf("%s/%d", k.Table, k.ID)
}

// Compare orders keys by table, then id.
func (k Key) Compare(other Key) int {
	if c := strings.Compare(k.Table, other.Table); c != 0 {
		return c
	}
	switch {
	case k.ID < other.ID:
		return -1
	case k.ID > other.ID:
		return 1
	default:
		return 0
	}
}

// Less reports whether k sorts before other.
func (k Key) Less(other Key) bool {
	return k.Compare(other) < 0
}

// KV pairs a key with the row value a reader saw for it.
type KV struct {
	Key Key
	Row Row
}
