package storage

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// IsolationLevel is one of the four SQL isolation levels.
type IsolationLevel int

const (
	ReadUncommitted IsolationLevel = iota
	ReadCommitted
	RepeatableRead
	Serializable
)

// Levels lists every isolation level from weakest to strongest.
func Levels() []IsolationLevel {
	return []IsolationLevel{ReadUncommitted, ReadCommitted, RepeatableRead, Serializable}
}

// String returns the level's configuration name, e.g. "read-committed".
func (l IsolationLevel) String() string {
	switch l {
	case ReadUncommitted:
		return "read-uncommitted"
	case ReadCommitted:
		return "read-committed"
	case RepeatableRead:
		return "repeatable-read"
	case Serializable:
		return "serializable"
	default:
		return "unknown"
	}
}

// Valid reports whether l is one of the defined levels.
func (l IsolationLevel) Valid() bool {
	return l >= ReadUncommitted && l <= Serializable
}

// ParseIsolationLevel parses a level name. It accepts the configuration
// spelling ("repeatable-read") as well as the SQL spelling ("REPEATABLE
// READ") and underscores, case-insensitively.
func ParseIsolationLevel(s string) (IsolationLevel, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.NewReplacer("_", "-", " ", "-").Replace(norm)
	for _, l := range Levels() {
		if l.String() == norm {
			return l, nil
		}
	}
	switch norm {
	case "ru":
		return ReadUncommitted, nil
	case "rc":
		return ReadCommitted, nil
	case "rr":
		return RepeatableRead, nil
	}
	return 0, errors.Newf("unknown isolation level %q", s)
}
