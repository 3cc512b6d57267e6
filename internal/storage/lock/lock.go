// Package lock provides strict two-phase locking for isodb: shared and
// exclusive row locks, predicate locks for serializable scans, bounded
// waits, and deadlock detection over the wait-for graph.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/KilimcininKorOglu/isodb/internal/storage"
)

// DefaultTimeout is the default lock wait timeout.
const DefaultTimeout = 5 * time.Second

// Mode is a lock mode.
type Mode int

const (
	// Shared locks are compatible with each other.
	Shared Mode = iota
	// Exclusive locks conflict with every lock held by another transaction.
	Exclusive
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case Shared:
		return "S"
	case Exclusive:
		return "X"
	default:
		return "?"
	}
}

// Compatible reports whether a lock in mode m can be held together with a
// lock in mode other by a different transaction.
func (m Mode) Compatible(other Mode) bool {
	return m == Shared && other == Shared
}

// Request describes a lock a transaction asks for.
type Request struct {
	TxID    storage.TxID
	StartTS storage.Timestamp

	// Key and Mode describe a row lock. Ignored when Predicate is set.
	Key  storage.Key
	Mode Mode

	// Images are the row values an exclusive request writes over and
	// produces. They are checked against predicate locks of other
	// transactions.
	Images []storage.Row

	// Predicate, when set, requests a predicate lock.
	Predicate *storage.Predicate
}

func (r Request) String() string {
	if r.Predicate != nil {
		return "predicate " + r.Predicate.String()
	}
	return r.Mode.String() + " " + r.Key.String()
}

// Manager grants row and predicate locks.
//
// A request that conflicts with locks held by other transactions waits
// until they are released, the lock wait timeout expires, its context is
// done, or the deadlock detector picks it as a victim. Waiters sleep on a
// broadcast channel that is closed and replaced on every release.
type Manager struct {
	timeout time.Duration

	rows       map[storage.Key]*rowLock
	held       map[storage.TxID]map[storage.Key]struct{}
	predicates map[storage.TxID][]storage.Predicate
	waiting    map[storage.TxID]*waiter

	// changed is closed whenever a lock is released.
	changed chan struct{}

	mu sync.Mutex
}

type rowLock struct {
	holders map[storage.TxID]Mode
	images  map[storage.TxID][]storage.Row
}

type waiter struct {
	req Request

	// abort receives the error that ends the wait early.
	abort chan error
}

// NewManager creates a lock manager with the given wait timeout. A timeout
// of zero or less fails conflicting requests without waiting.
func NewManager(timeout time.Duration) *Manager {
	return &Manager{
		timeout:    timeout,
		rows:       make(map[storage.Key]*rowLock),
		held:       make(map[storage.TxID]map[storage.Key]struct{}),
		predicates: make(map[storage.TxID][]storage.Predicate),
		waiting:    make(map[storage.TxID]*waiter),
		changed:    make(chan struct{}),
	}
}

// Timeout returns the lock wait timeout.
func (m *Manager) Timeout() time.Duration {
	return m.timeout
}

// Acquire grants the requested lock, waiting for conflicting holders when
// needed. waited reports whether the request had to wait at least once.
//
// Errors: ErrLockTimeout when the wait exceeds the timeout,
// ErrDeadlockAborted when the request was chosen as a deadlock victim, or
// the context's error.
func (m *Manager) Acquire(ctx context.Context, req Request) (waited bool, err error) {
	w := &waiter{req: req, abort: make(chan error, 1)}

	var timer *time.Timer
	var timerC <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		m.mu.Lock()
		select {
		case err := <-w.abort:
			delete(m.waiting, req.TxID)
			m.mu.Unlock()
			return waited, err
		default:
		}

		blockers := m.conflictsLocked(req)
		if len(blockers) == 0 {
			m.grantLocked(req)
			if waited {
				delete(m.waiting, req.TxID)
			}
			m.mu.Unlock()
			return waited, nil
		}

		if m.timeout <= 0 {
			m.mu.Unlock()
			return false, m.timeoutError(req, blockers)
		}

		m.waiting[req.TxID] = w
		changed := m.changed
		m.mu.Unlock()

		if !waited {
			waited = true
			timer = time.NewTimer(m.timeout)
			timerC = timer.C
		}

		select {
		case <-changed:
		case err := <-w.abort:
			m.stopWaiting(w)
			return waited, err
		case <-timerC:
			m.stopWaiting(w)
			return waited, m.timeoutError(req, blockers)
		case <-ctx.Done():
			m.stopWaiting(w)
			return waited, errors.Wrapf(ctx.Err(), "waiting for %s", req)
		}
	}
}

func (m *Manager) timeoutError(req Request, blockers map[storage.TxID]struct{}) error {
	return errors.WithDetailf(
		errors.Wrapf(storage.ErrLockTimeout, "tx %d waiting for %s", req.TxID, req),
		"blocked by %v", txIDs(blockers))
}

func (m *Manager) stopWaiting(w *waiter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.waiting[w.req.TxID] == w {
		delete(m.waiting, w.req.TxID)
	}
}

// conflictsLocked returns the transactions whose locks block req.
func (m *Manager) conflictsLocked(req Request) map[storage.TxID]struct{} {
	blockers := make(map[storage.TxID]struct{})

	if req.Predicate != nil {
		for key, rl := range m.rows {
			for holder, mode := range rl.holders {
				if holder == req.TxID || mode != Exclusive {
					continue
				}
				if req.Predicate.MatchesAny(key, rl.images[holder]...) {
					blockers[holder] = struct{}{}
				}
			}
		}
		return blockers
	}

	if rl, ok := m.rows[req.Key]; ok {
		for holder, mode := range rl.holders {
			if holder != req.TxID && !req.Mode.Compatible(mode) {
				blockers[holder] = struct{}{}
			}
		}
	}

	if req.Mode == Exclusive {
		for holder, preds := range m.predicates {
			if holder == req.TxID {
				continue
			}
			for _, p := range preds {
				if p.MatchesAny(req.Key, req.Images...) {
					blockers[holder] = struct{}{}
					break
				}
			}
		}
	}
	return blockers
}

func (m *Manager) grantLocked(req Request) {
	if req.Predicate != nil {
		s := req.Predicate.String()
		for _, p := range m.predicates[req.TxID] {
			if p.String() == s {
				return
			}
		}
		m.predicates[req.TxID] = append(m.predicates[req.TxID], *req.Predicate)
		return
	}

	rl, ok := m.rows[req.Key]
	if !ok {
		rl = &rowLock{
			holders: make(map[storage.TxID]Mode),
			images:  make(map[storage.TxID][]storage.Row),
		}
		m.rows[req.Key] = rl
	}
	if cur, ok := rl.holders[req.TxID]; !ok || req.Mode > cur {
		rl.holders[req.TxID] = req.Mode
	}
	if req.Mode == Exclusive {
		for _, img := range req.Images {
			if img != nil {
				rl.images[req.TxID] = append(rl.images[req.TxID], img.Clone())
			}
		}
	}

	keys, ok := m.held[req.TxID]
	if !ok {
		keys = make(map[storage.Key]struct{})
		m.held[req.TxID] = keys
	}
	keys[req.Key] = struct{}{}
}

// Release drops the transaction's lock on a single row.
func (m *Manager) Release(id storage.TxID, key storage.Key) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.releaseRowLocked(id, key)
	if keys, ok := m.held[id]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(m.held, id)
		}
	}
	m.broadcastLocked()
}

// ReleaseAll drops every row and predicate lock of the transaction and
// wakes all waiters.
func (m *Manager) ReleaseAll(id storage.TxID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key := range m.held[id] {
		m.releaseRowLocked(id, key)
	}
	delete(m.held, id)
	delete(m.predicates, id)
	delete(m.waiting, id)
	m.broadcastLocked()
}

func (m *Manager) releaseRowLocked(id storage.TxID, key storage.Key) {
	rl, ok := m.rows[key]
	if !ok {
		return
	}
	delete(rl.holders, id)
	delete(rl.images, id)
	if len(rl.holders) == 0 {
		delete(m.rows, key)
	}
}

func (m *Manager) broadcastLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}

// Holders returns the transactions holding a lock on key and their modes.
func (m *Manager) Holders(key storage.Key) map[storage.TxID]Mode {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[storage.TxID]Mode)
	if rl, ok := m.rows[key]; ok {
		for id, mode := range rl.holders {
			out[id] = mode
		}
	}
	return out
}

// PredicateLocks returns the predicates locked by the transaction.
func (m *Manager) PredicateLocks(id storage.TxID) []storage.Predicate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]storage.Predicate(nil), m.predicates[id]...)
}

// IsWaiting reports whether the transaction is blocked in Acquire.
func (m *Manager) IsWaiting(id storage.TxID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.waiting[id]
	return ok
}

// Stats reports lock table counters.
type Stats struct {
	RowLocks       int
	PredicateLocks int
	Waiters        int
}

// Stats returns the current lock table counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{RowLocks: len(m.rows), Waiters: len(m.waiting)}
	for _, preds := range m.predicates {
		s.PredicateLocks += len(preds)
	}
	return s
}
