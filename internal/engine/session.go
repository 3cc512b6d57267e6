package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/KilimcininKorOglu/isodb/internal/logging"
	"github.com/KilimcininKorOglu/isodb/internal/storage"
	"github.com/KilimcininKorOglu/isodb/internal/storage/tx"
)

// ErrTxInProgress is returned by Begin and SetIsolationLevel while a
// transaction is open.
var ErrTxInProgress = errors.New("a transaction is already in progress")

// Session is one client connection. It runs at most one transaction at a
// time and is not safe for concurrent statements; sessions are independent
// of each other.
//
// Without autocommit a transaction starts with the first statement (or an
// explicit Begin) and lasts until Commit or Rollback. With autocommit every
// statement outside an explicit Begin is its own transaction.
//
// A statement that fails with a lock timeout, a deadlock, a serialization
// conflict or a cancelled context aborts the whole transaction before the
// error is returned.
type Session struct {
	engine *Engine
	id     string
	log    logging.Logger

	mu         sync.Mutex
	level      storage.IsolationLevel
	autocommit bool
	txn        *tx.Transaction
	closed     bool

	// txID mirrors txn.ID for observers that must not wait for mu while a
	// statement is blocked.
	txID atomic.Uint64
}

func newSession(e *Engine, level storage.IsolationLevel, autocommit bool) *Session {
	id := logging.NewSessionID()
	s := &Session{
		engine:     e,
		id:         id,
		log:        e.log.WithSession(id),
		level:      level,
		autocommit: autocommit,
	}
	s.log.Debug("session opened", "level", level.String(), "autocommit", autocommit)
	return s
}

// ID returns the session's unique identifier.
func (s *Session) ID() string {
	return s.id
}

// Level returns the isolation level new transactions start at.
func (s *Session) Level() storage.IsolationLevel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.level
}

// Autocommit reports whether the session is in autocommit mode.
func (s *Session) Autocommit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autocommit
}

// InTransaction reports whether a transaction is open.
func (s *Session) InTransaction() bool {
	return s.txID.Load() != 0
}

// TxID returns the ID of the open transaction, or 0.
func (s *Session) TxID() storage.TxID {
	return storage.TxID(s.txID.Load())
}

// Waiting reports whether the session's current statement is blocked on a
// lock.
func (s *Session) Waiting() bool {
	id := s.TxID()
	return id != 0 && s.engine.locks.IsWaiting(id)
}

// Begin starts an explicit transaction and takes its snapshot now rather
// than at the first statement.
func (s *Session) Begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrSessionClosed
	}
	if s.txn != nil {
		return errors.Wrapf(ErrTxInProgress, "tx %d", s.txn.ID)
	}
	_, err := s.beginLocked()
	return err
}

// Read returns the row at key visible to the transaction, or ErrNotFound.
func (s *Session) Read(ctx context.Context, key storage.Key) (storage.Row, error) {
	var row storage.Row
	err := s.exec(ctx, func(txn *tx.Transaction) error {
		var err error
		row, err = s.engine.read(ctx, txn, key)
		return err
	})
	return row, err
}

// Scan returns the visible rows matching pred in key order.
func (s *Session) Scan(ctx context.Context, pred storage.Predicate) ([]storage.KV, error) {
	var rows []storage.KV
	err := s.exec(ctx, func(txn *tx.Transaction) error {
		var err error
		rows, err = s.engine.scan(ctx, txn, pred)
		return err
	})
	return rows, err
}

// Write stores row at key, inserting or replacing.
func (s *Session) Write(ctx context.Context, key storage.Key, row storage.Row) error {
	return s.exec(ctx, func(txn *tx.Transaction) error {
		return s.engine.mutate(ctx, txn, key, func(_, _ storage.Row) (storage.Row, error) {
			return row, nil
		})
	})
}

// Insert stores row at key, failing with ErrKeyExists when a row is there.
func (s *Session) Insert(ctx context.Context, key storage.Key, row storage.Row) error {
	return s.exec(ctx, func(txn *tx.Transaction) error {
		return s.engine.mutate(ctx, txn, key, func(_, latest storage.Row) (storage.Row, error) {
			if latest != nil {
				return nil, errors.Wrapf(storage.ErrKeyExists, "%s", key)
			}
			return row, nil
		})
	})
}

// Update replaces the row at key with fn applied to its current value, the
// way UPDATE ... SET x = x - 1 does. The current value is read after the
// row lock is granted. fn may be called more than once and must not have
// side effects. Update returns the new row.
func (s *Session) Update(ctx context.Context, key storage.Key, fn func(storage.Row) storage.Row) (storage.Row, error) {
	var updated storage.Row
	err := s.exec(ctx, func(txn *tx.Transaction) error {
		return s.engine.mutate(ctx, txn, key, func(view, _ storage.Row) (storage.Row, error) {
			if view == nil {
				return nil, storage.NotFound(key)
			}
			updated = fn(view.Clone()).Clone()
			return updated, nil
		})
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Delete removes the row at key, failing with ErrNotFound when no row is
// visible.
func (s *Session) Delete(ctx context.Context, key storage.Key) error {
	return s.exec(ctx, func(txn *tx.Transaction) error {
		return s.engine.mutate(ctx, txn, key, func(view, _ storage.Row) (storage.Row, error) {
			if view == nil {
				return nil, storage.NotFound(key)
			}
			return nil, nil
		})
	})
}

// Commit commits the open transaction. It is a no-op without one. A failed
// commit validation aborts the transaction and returns
// ErrSerializationConflict.
func (s *Session) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrSessionClosed
	}
	return s.commitLocked()
}

// Rollback aborts the open transaction. It is a no-op without one.
func (s *Session) Rollback() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrSessionClosed
	}
	return s.abortLocked(nil)
}

// Close rolls back any open transaction and closes the session. Closing a
// closed session is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	err := s.abortLocked(nil)
	s.closed = true
	s.log.Debug("session closed")
	return err
}

// SetIsolationLevel changes the level of the next transaction.
func (s *Session) SetIsolationLevel(level storage.IsolationLevel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrSessionClosed
	}
	if !level.Valid() {
		return errors.Wrapf(tx.ErrInvalidLevel, "level %d", int(level))
	}
	if s.txn != nil {
		return errors.Wrapf(ErrTxInProgress, "cannot change isolation level of tx %d", s.txn.ID)
	}
	s.level = level
	return nil
}

// SetAutocommit switches autocommit mode. Turning it on commits the open
// transaction, as JDBC connections do.
func (s *Session) SetAutocommit(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrSessionClosed
	}
	if on == s.autocommit {
		return nil
	}
	s.autocommit = on
	if on && s.txn != nil {
		return s.commitLocked()
	}
	return nil
}

// exec runs one statement inside the session's transaction, starting one
// if needed, and applies the abort and autocommit rules to its outcome.
func (s *Session) exec(ctx context.Context, stmt func(*tx.Transaction) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrSessionClosed
	}

	implicit := s.txn == nil && s.autocommit
	txn := s.txn
	if txn == nil {
		var err error
		if txn, err = s.beginLocked(); err != nil {
			return err
		}
	}

	err := ctx.Err()
	if err != nil {
		err = errors.Wrap(err, "statement")
	} else {
		err = stmt(txn)
	}
	if err != nil {
		if implicit || abortsTransaction(err) {
			if abortErr := s.abortLocked(err); abortErr != nil {
				err = errors.CombineErrors(err, abortErr)
			}
		}
		return err
	}

	if implicit {
		return s.commitLocked()
	}
	return nil
}

func (s *Session) beginLocked() (*tx.Transaction, error) {
	txn, err := s.engine.txm.Begin(s.level)
	if err != nil {
		return nil, err
	}
	s.txn = txn
	s.txID.Store(uint64(txn.ID))
	s.log.Debug("begin", "tx", uint64(txn.ID), "level", txn.Level.String(), "start_ts", uint64(txn.StartTS))
	return txn, nil
}

func (s *Session) commitLocked() error {
	txn := s.txn
	if txn == nil {
		return nil
	}
	s.endLocked()

	if err := s.engine.txm.Commit(txn); err != nil {
		if txn.IsAborted() {
			s.recordAbort(txn, err)
		}
		return err
	}
	s.engine.metrics.Commits.WithLabelValues(txn.Level.String()).Inc()
	s.log.Debug("commit", "tx", uint64(txn.ID), "commit_ts", uint64(txn.CommitTS), "duration", txn.Duration())
	return nil
}

// abortLocked rolls back the open transaction. cause is the error that
// forced the abort, nil for an explicit rollback.
func (s *Session) abortLocked(cause error) error {
	txn := s.txn
	if txn == nil {
		return nil
	}
	s.endLocked()

	if err := s.engine.txm.Abort(txn); err != nil {
		return err
	}
	s.recordAbort(txn, cause)
	return nil
}

func (s *Session) recordAbort(txn *tx.Transaction, cause error) {
	reason := abortReason(cause)
	s.engine.metrics.Aborts.WithLabelValues(txn.Level.String(), reason).Inc()
	if cause == nil {
		s.log.Debug("rollback", "tx", uint64(txn.ID))
		return
	}
	s.log.Debug("abort", "tx", uint64(txn.ID), "reason", reason, "error", cause.Error())
}

func (s *Session) endLocked() {
	s.txn = nil
	s.txID.Store(0)
}

// abortsTransaction reports whether a statement error ends the transaction.
func abortsTransaction(err error) bool {
	return storage.IsRetryable(err) || errors.IsAny(err, context.Canceled, context.DeadlineExceeded)
}
