package storage

import "github.com/cockroachdb/errors"

// Errors observed by sessions. Match them with errors.Is; the engine wraps
// them with the key or transaction involved.
var (
	// ErrLockTimeout is returned when a lock could not be granted before the
	// lock wait timeout. The transaction has been aborted.
	ErrLockTimeout = errors.New("lock wait timeout exceeded")

	// ErrDeadlockAborted is returned to the transaction chosen as the victim
	// of a wait-for cycle. The transaction has been aborted.
	ErrDeadlockAborted = errors.New("transaction aborted to resolve a deadlock")

	// ErrSerializationConflict is returned when a write or commit would break
	// the guarantees of the transaction's isolation level. The transaction
	// has been aborted.
	ErrSerializationConflict = errors.New("could not serialize access due to concurrent update")

	// ErrNotFound is returned when no version of the row is visible.
	ErrNotFound = errors.New("row not found")

	// ErrKeyExists is returned by inserts of a key that already holds a row.
	ErrKeyExists = errors.New("duplicate key")

	// ErrTxNotActive is returned for operations on a committed or aborted
	// transaction.
	ErrTxNotActive = errors.New("transaction is not active")

	// ErrSessionClosed is returned for operations on a closed session.
	ErrSessionClosed = errors.New("session is closed")
)

// IsRetryable reports whether err aborted the transaction for a reason that
// retrying the whole transaction may avoid.
func IsRetryable(err error) bool {
	return errors.IsAny(err, ErrLockTimeout, ErrDeadlockAborted, ErrSerializationConflict)
}

// NotFound wraps ErrNotFound with the key that was looked up.
func NotFound(key Key) error {
	return errors.Wrapf(ErrNotFound, "%s", key)
}
