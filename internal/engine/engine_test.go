package engine

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KilimcininKorOglu/isodb/internal/config"
	"github.com/KilimcininKorOglu/isodb/internal/storage"
)

var (
	account = storage.K("account", 1)
	item    = storage.K("items", 1)
)

func newTestEngine(t *testing.T, mutate ...func(*Options)) *Engine {
	t.Helper()

	opts := DefaultOptions()
	opts.LockTimeout = 2 * time.Second
	opts.DeadlockInterval = 10 * time.Millisecond
	opts.GCInterval = 0
	opts.Registerer = prometheus.NewRegistry()
	for _, m := range mutate {
		m(&opts)
	}

	e, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func open(t *testing.T, e *Engine, level storage.IsolationLevel) *Session {
	t.Helper()
	s, err := e.Open(level, false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seed(t *testing.T, e *Engine, rows ...storage.KV) {
	t.Helper()
	s, err := e.Open(storage.ReadCommitted, true)
	require.NoError(t, err)
	defer s.Close()
	for _, kv := range rows {
		require.NoError(t, s.Write(context.Background(), kv.Key, kv.Row))
	}
}

func readInt(t *testing.T, s *Session, key storage.Key, col string) int64 {
	t.Helper()
	row, err := s.Read(context.Background(), key)
	require.NoError(t, err)
	return row.MustInt(col)
}

func committed(t *testing.T, e *Engine, key storage.Key, col string) int64 {
	t.Helper()
	s, err := e.Open(storage.ReadCommitted, true)
	require.NoError(t, err)
	defer s.Close()
	return readInt(t, s, key, col)
}

// async runs fn in a goroutine and returns its result channel.
func async(fn func() error) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- fn() }()
	return ch
}

func waitBlocked(t *testing.T, s *Session) {
	t.Helper()
	require.Eventually(t, s.Waiting, 2*time.Second, time.Millisecond)
}

func withdraw(amount int64) func(storage.Row) storage.Row {
	return func(r storage.Row) storage.Row {
		return r.With("balance", r.MustInt("balance")-amount)
	}
}

func TestDirtyReadOnlyUnderReadUncommitted(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	seed(t, e, storage.KV{Key: account, Row: storage.Row{"balance": 500}})

	writer := open(t, e, storage.ReadUncommitted)
	_, err := writer.Update(ctx, account, func(r storage.Row) storage.Row {
		return r.With("balance", 600)
	})
	require.NoError(t, err)

	dirty := open(t, e, storage.ReadUncommitted)
	assert.Equal(t, int64(600), readInt(t, dirty, account, "balance"))

	for _, level := range []storage.IsolationLevel{storage.ReadCommitted, storage.RepeatableRead, storage.Serializable} {
		s := open(t, e, level)
		assert.Equal(t, int64(500), readInt(t, s, account, "balance"), level.String())
	}

	require.NoError(t, writer.Rollback())
	assert.Equal(t, int64(500), committed(t, e, account, "balance"))
}

func TestNonRepeatableRead(t *testing.T) {
	tests := []struct {
		level  storage.IsolationLevel
		second int64
	}{
		{storage.ReadCommitted, 700},
		{storage.RepeatableRead, 500},
		{storage.Serializable, 500},
	}
	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			e := newTestEngine(t)
			seed(t, e, storage.KV{Key: account, Row: storage.Row{"balance": 500}})

			reader := open(t, e, tt.level)
			assert.Equal(t, int64(500), readInt(t, reader, account, "balance"))

			seed(t, e, storage.KV{Key: account, Row: storage.Row{"balance": 700}})

			assert.Equal(t, tt.second, readInt(t, reader, account, "balance"))
			require.NoError(t, reader.Commit())
		})
	}
}

// Two withdrawals of 250 from 500, each computed from a balance read
// earlier in the transaction.
func TestLostUpdate(t *testing.T) {
	tests := []struct {
		level        storage.IsolationLevel
		secondCommit error
		final        int64
	}{
		{storage.ReadCommitted, nil, 250},
		{storage.RepeatableRead, storage.ErrSerializationConflict, 250},
		{storage.Serializable, storage.ErrSerializationConflict, 250},
	}
	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			ctx := context.Background()
			e := newTestEngine(t)
			seed(t, e, storage.KV{Key: account, Row: storage.Row{"balance": 500}})

			atm := open(t, e, tt.level)
			app := open(t, e, tt.level)

			b1 := readInt(t, atm, account, "balance")
			require.NoError(t, atm.Write(ctx, account, storage.Row{"balance": b1 - 250}))
			b2 := readInt(t, app, account, "balance")
			require.NoError(t, atm.Commit())

			require.NoError(t, app.Write(ctx, account, storage.Row{"balance": b2 - 250}))
			err := app.Commit()
			if tt.secondCommit == nil {
				require.NoError(t, err)
			} else {
				require.True(t, errors.Is(err, tt.secondCommit), "got %v", err)
				assert.False(t, app.InTransaction())
			}
			assert.Equal(t, tt.final, committed(t, e, account, "balance"))
		})
	}
}

// A transfer of 50 between two accounts commits between the reader's two
// reads. A snapshot reader sees the same total before and after.
func TestSnapshotAcrossRows(t *testing.T) {
	a, b := storage.K("account", 1), storage.K("account", 2)
	tests := []struct {
		level storage.IsolationLevel
		total int64
	}{
		{storage.ReadCommitted, 250},
		{storage.RepeatableRead, 200},
		{storage.Serializable, 200},
	}
	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			ctx := context.Background()
			e := newTestEngine(t)
			seed(t, e,
				storage.KV{Key: a, Row: storage.Row{"balance": 100}},
				storage.KV{Key: b, Row: storage.Row{"balance": 100}},
			)

			reader := open(t, e, tt.level)
			first := readInt(t, reader, a, "balance")

			mover := open(t, e, storage.ReadCommitted)
			_, err := mover.Update(ctx, a, withdraw(50))
			require.NoError(t, err)
			_, err = mover.Update(ctx, b, withdraw(-50))
			require.NoError(t, err)
			require.NoError(t, mover.Commit())

			second := readInt(t, reader, b, "balance")
			assert.Equal(t, tt.total, first+second)
			require.NoError(t, reader.Commit())
		})
	}
}

// A writer that had to wait for the row lock finds the row changed after
// its snapshot. Snapshot levels abort it even though it never read the row.
func TestBlockedSnapshotWriterAborts(t *testing.T) {
	tests := []struct {
		level storage.IsolationLevel
		err   error
		final int64
	}{
		{storage.ReadCommitted, nil, 0},
		{storage.RepeatableRead, storage.ErrSerializationConflict, 250},
		{storage.Serializable, storage.ErrSerializationConflict, 250},
	}
	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			ctx := context.Background()
			e := newTestEngine(t)
			seed(t, e, storage.KV{Key: account, Row: storage.Row{"balance": 500}})

			holder := open(t, e, storage.ReadCommitted)
			_, err := holder.Update(ctx, account, withdraw(250))
			require.NoError(t, err)

			waiter := open(t, e, tt.level)
			require.NoError(t, waiter.Begin())
			done := async(func() error {
				_, err := waiter.Update(ctx, account, withdraw(250))
				if err != nil {
					return err
				}
				return waiter.Commit()
			})
			waitBlocked(t, waiter)
			require.NoError(t, holder.Commit())

			err = <-done
			if tt.err == nil {
				require.NoError(t, err)
			} else {
				require.True(t, errors.Is(err, tt.err), "got %v", err)
				assert.False(t, waiter.InTransaction())
			}
			assert.Equal(t, tt.final, committed(t, e, account, "balance"))
		})
	}
}

// Sessions at different levels write the same row while another one's
// write is still uncommitted.
func TestMixedLevelWritesOnOneRow(t *testing.T) {
	decrement := func(r storage.Row) storage.Row { return r.With("quantity", r.MustInt("quantity")-1) }

	t.Run("write on dirty version", func(t *testing.T) {
		tests := []struct {
			name      string
			firstLast bool
		}{
			{"dirty writer commits first", false},
			{"dirty writer commits last", true},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				ctx := context.Background()
				e := newTestEngine(t)
				seed(t, e, storage.KV{Key: item, Row: storage.Row{"quantity": 1}})

				first := open(t, e, storage.ReadUncommitted)
				second := open(t, e, storage.ReadUncommitted)

				_, err := first.Update(ctx, item, decrement)
				require.NoError(t, err)
				updated, err := second.Update(ctx, item, decrement)
				require.NoError(t, err)
				assert.Equal(t, int64(-1), updated.MustInt("quantity"))

				if tt.firstLast {
					require.NoError(t, second.Commit())
					require.NoError(t, first.Commit())
				} else {
					require.NoError(t, first.Commit())
					require.NoError(t, second.Commit())
				}
				assert.Equal(t, int64(-1), committed(t, e, item, "quantity"))
			})
		}
	})

	t.Run("delete under rolled back dirty write", func(t *testing.T) {
		for _, level := range []storage.IsolationLevel{storage.ReadCommitted, storage.RepeatableRead} {
			t.Run(level.String(), func(t *testing.T) {
				ctx := context.Background()
				e := newTestEngine(t)
				seed(t, e, storage.KV{Key: account, Row: storage.Row{"balance": 500}})

				dirty := open(t, e, storage.ReadUncommitted)
				require.NoError(t, dirty.Write(ctx, account, storage.Row{"balance": 600}))

				deleter := open(t, e, level)
				require.NoError(t, deleter.Delete(ctx, account))
				require.NoError(t, dirty.Rollback())
				require.NoError(t, deleter.Commit())

				reader, err := e.Open(storage.ReadCommitted, true)
				require.NoError(t, err)
				defer reader.Close()
				_, err = reader.Read(ctx, account)
				assert.True(t, errors.Is(err, storage.ErrNotFound), "got %v", err)
			})
		}
	})

	t.Run("delete of uncommitted insert", func(t *testing.T) {
		ctx := context.Background()
		e := newTestEngine(t)
		other := storage.K("account", 2)

		inserter := open(t, e, storage.ReadUncommitted)
		require.NoError(t, inserter.Insert(ctx, other, storage.Row{"balance": 10}))

		deleter := open(t, e, storage.ReadUncommitted)
		assert.Equal(t, int64(10), readInt(t, deleter, other, "balance"))
		err := deleter.Delete(ctx, other)
		assert.True(t, errors.Is(err, storage.ErrNotFound), "got %v", err)

		require.NoError(t, inserter.Commit())
		assert.Equal(t, int64(10), committed(t, e, other, "balance"))
	})
}

func TestReadUncommittedSeesUncommittedBalance(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	seed(t, e, storage.KV{Key: account, Row: storage.Row{"balance": 500}})

	atm := open(t, e, storage.ReadUncommitted)
	app := open(t, e, storage.ReadUncommitted)

	b1 := readInt(t, atm, account, "balance")
	require.NoError(t, atm.Write(ctx, account, storage.Row{"balance": b1 - 250}))
	b2 := readInt(t, app, account, "balance")
	assert.Equal(t, int64(250), b2)
	require.NoError(t, atm.Commit())
	require.NoError(t, app.Write(ctx, account, storage.Row{"balance": b2 - 250}))
	require.NoError(t, app.Commit())

	assert.Equal(t, int64(0), committed(t, e, account, "balance"))
}

func TestBlockedWriterTimesOut(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, func(o *Options) { o.LockTimeout = 50 * time.Millisecond })
	seed(t, e, storage.KV{Key: account, Row: storage.Row{"balance": 500}})

	first := open(t, e, storage.ReadCommitted)
	second := open(t, e, storage.ReadCommitted)

	_, err := first.Update(ctx, account, withdraw(100))
	require.NoError(t, err)

	start := time.Now()
	_, err = second.Update(ctx, account, withdraw(100))
	require.True(t, errors.Is(err, storage.ErrLockTimeout), "got %v", err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.False(t, second.InTransaction())

	require.NoError(t, first.Commit())
	assert.Equal(t, int64(400), committed(t, e, account, "balance"))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.Metrics().Aborts.WithLabelValues("read-committed", ReasonLockTimeout)))
}

func TestBlockedWriterProceedsAfterCommit(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	seed(t, e, storage.KV{Key: account, Row: storage.Row{"balance": 500}})

	first := open(t, e, storage.ReadCommitted)
	second := open(t, e, storage.ReadCommitted)

	_, err := first.Update(ctx, account, withdraw(100))
	require.NoError(t, err)

	done := async(func() error {
		_, err := second.Update(ctx, account, withdraw(100))
		return err
	})
	waitBlocked(t, second)
	require.NoError(t, first.Commit())
	require.NoError(t, <-done)
	require.NoError(t, second.Commit())

	assert.Equal(t, int64(300), committed(t, e, account, "balance"))
	assert.GreaterOrEqual(t, testutil.ToFloat64(e.Metrics().LockWaits), 1.0)
}

// Both customers see one item in stock and both buy it.
func TestNegativeStock(t *testing.T) {
	inStock := storage.Where("items", storage.Eq("id", 1), storage.Gt("quantity", 0))
	decrement := func(r storage.Row) storage.Row { return r.With("quantity", r.MustInt("quantity")-1) }

	tests := []struct {
		level    storage.IsolationLevel
		firstErr error
		final    int64
	}{
		{storage.ReadCommitted, nil, -1},
		{storage.RepeatableRead, storage.ErrSerializationConflict, 0},
	}
	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			ctx := context.Background()
			e := newTestEngine(t)
			seed(t, e, storage.KV{Key: item, Row: storage.Row{"quantity": 1}})

			first := open(t, e, tt.level)
			second := open(t, e, storage.ReadCommitted)

			rows, err := first.Scan(ctx, inStock)
			require.NoError(t, err)
			require.Len(t, rows, 1)
			rows, err = second.Scan(ctx, inStock)
			require.NoError(t, err)
			require.Len(t, rows, 1)

			_, err = second.Update(ctx, item, decrement)
			require.NoError(t, err)

			done := async(func() error {
				_, err := first.Update(ctx, item, decrement)
				if err != nil {
					return err
				}
				return first.Commit()
			})
			waitBlocked(t, first)
			require.NoError(t, second.Commit())

			err = <-done
			if tt.firstErr == nil {
				require.NoError(t, err)
			} else {
				require.True(t, errors.Is(err, tt.firstErr), "got %v", err)
			}
			assert.Equal(t, tt.final, committed(t, e, item, "quantity"))
		})
	}
}

func TestPhantomRead(t *testing.T) {
	birthdays := storage.Where("employee", storage.Eq("birthday", "2000-01-01"))

	tests := []struct {
		level storage.IsolationLevel
		rows  int
	}{
		{storage.ReadCommitted, 2},
		{storage.RepeatableRead, 2},
		{storage.Serializable, 1},
	}
	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			ctx := context.Background()
			e := newTestEngine(t)
			seed(t, e, storage.KV{Key: storage.K("employee", 1), Row: storage.Row{"birthday": "2000-01-01"}})

			manager := open(t, e, tt.level)
			require.NoError(t, manager.Begin())

			seed(t, e, storage.KV{Key: storage.K("employee", 2), Row: storage.Row{"birthday": "2000-01-01"}})

			rows, err := manager.Scan(ctx, birthdays)
			require.NoError(t, err)
			assert.Len(t, rows, tt.rows)
			require.NoError(t, manager.Commit())
		})
	}
}

func TestPredicateLockBlocksMatchingInsert(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	seed(t, e, storage.KV{Key: storage.K("employee", 1), Row: storage.Row{"birthday": "2000-01-01"}})

	scanner := open(t, e, storage.Serializable)
	rows, err := scanner.Scan(ctx, storage.Where("employee", storage.Eq("birthday", "2000-01-01")))
	require.NoError(t, err)
	require.Len(t, rows, 1)

	other := open(t, e, storage.ReadCommitted)
	require.NoError(t, other.Insert(ctx, storage.K("employee", 3), storage.Row{"birthday": "1990-05-05"}),
		"a row outside the predicate is not blocked")

	inserter := open(t, e, storage.ReadCommitted)
	done := async(func() error {
		return inserter.Insert(ctx, storage.K("employee", 2), storage.Row{"birthday": "2000-01-01"})
	})
	waitBlocked(t, inserter)
	require.NoError(t, scanner.Commit())
	require.NoError(t, <-done)
	require.NoError(t, inserter.Commit())
	require.NoError(t, other.Commit())
}

// Two doctors on call; each goes off call after checking the other is on.
func TestWriteSkew(t *testing.T) {
	tests := []struct {
		level        storage.IsolationLevel
		secondCommit error
	}{
		{storage.ReadCommitted, nil},
		{storage.RepeatableRead, nil},
		{storage.Serializable, storage.ErrSerializationConflict},
	}
	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			ctx := context.Background()
			e := newTestEngine(t)
			alice, bob := storage.K("doctors", 1), storage.K("doctors", 2)
			seed(t, e,
				storage.KV{Key: alice, Row: storage.Row{"on_call": true}},
				storage.KV{Key: bob, Row: storage.Row{"on_call": true}},
			)

			s1 := open(t, e, tt.level)
			s2 := open(t, e, tt.level)
			for _, s := range []*Session{s1, s2} {
				for _, k := range []storage.Key{alice, bob} {
					row, err := s.Read(ctx, k)
					require.NoError(t, err)
					on, _ := row.Bool("on_call")
					require.True(t, on)
				}
			}

			require.NoError(t, s1.Write(ctx, alice, storage.Row{"on_call": false}))
			require.NoError(t, s2.Write(ctx, bob, storage.Row{"on_call": false}))
			require.NoError(t, s1.Commit())

			err := s2.Commit()
			if tt.secondCommit == nil {
				require.NoError(t, err)
			} else {
				require.True(t, errors.Is(err, tt.secondCommit), "got %v", err)
			}
		})
	}
}

func TestSerializableReadOnlyAlwaysCommits(t *testing.T) {
	e := newTestEngine(t)
	seed(t, e, storage.KV{Key: account, Row: storage.Row{"balance": 500}})

	reader := open(t, e, storage.Serializable)
	assert.Equal(t, int64(500), readInt(t, reader, account, "balance"))
	seed(t, e, storage.KV{Key: account, Row: storage.Row{"balance": 100}})
	assert.Equal(t, int64(500), readInt(t, reader, account, "balance"))
	require.NoError(t, reader.Commit())
}

func TestDeadlockAbortsYoungest(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	a, b := storage.K("account", 1), storage.K("account", 2)
	seed(t, e,
		storage.KV{Key: a, Row: storage.Row{"balance": 100}},
		storage.KV{Key: b, Row: storage.Row{"balance": 100}},
	)

	older := open(t, e, storage.ReadCommitted)
	younger := open(t, e, storage.ReadCommitted)

	_, err := older.Update(ctx, a, withdraw(10))
	require.NoError(t, err)
	_, err = younger.Update(ctx, b, withdraw(10))
	require.NoError(t, err)
	require.Greater(t, younger.TxID(), older.TxID())

	done := async(func() error {
		_, err := older.Update(ctx, b, withdraw(10))
		return err
	})
	waitBlocked(t, older)

	_, err = younger.Update(ctx, a, withdraw(10))
	require.True(t, errors.Is(err, storage.ErrDeadlockAborted), "got %v", err)
	assert.False(t, younger.InTransaction())

	require.NoError(t, <-done)
	require.NoError(t, older.Commit())

	assert.Equal(t, int64(90), committed(t, e, a, "balance"))
	assert.Equal(t, int64(90), committed(t, e, b, "balance"))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.Metrics().Deadlocks))
}

func TestGarbageCollectionKeepsSnapshotVersions(t *testing.T) {
	e := newTestEngine(t)
	seed(t, e, storage.KV{Key: account, Row: storage.Row{"balance": 1}})

	reader := open(t, e, storage.Serializable)
	require.NoError(t, reader.Begin())

	seed(t, e, storage.KV{Key: account, Row: storage.Row{"balance": 2}})
	seed(t, e, storage.KV{Key: account, Row: storage.Row{"balance": 3}})

	res, err := e.CollectGarbage()
	require.NoError(t, err)
	assert.Equal(t, 0, res.VersionsCollected)
	assert.Equal(t, int64(1), readInt(t, reader, account, "balance"))
	require.NoError(t, reader.Commit())

	res, err = e.CollectGarbage()
	require.NoError(t, err)
	assert.Equal(t, 2, res.VersionsCollected)
	assert.Len(t, e.store.Chain(account), 1)
	assert.Equal(t, int64(3), committed(t, e, account, "balance"))
	assert.Equal(t, 2.0, testutil.ToFloat64(e.Metrics().VersionsCollected))
}

func TestAutocommit(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	s, err := e.OpenDefault(true)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, storage.ReadCommitted, s.Level())

	require.NoError(t, s.Insert(ctx, account, storage.Row{"balance": 10}))
	assert.False(t, s.InTransaction())
	assert.Equal(t, int64(10), committed(t, e, account, "balance"))

	err = s.Insert(ctx, account, storage.Row{"balance": 20})
	assert.True(t, errors.Is(err, storage.ErrKeyExists), "got %v", err)
	assert.False(t, s.InTransaction())

	require.NoError(t, s.Begin())
	require.NoError(t, s.Write(ctx, account, storage.Row{"balance": 30}))
	assert.True(t, s.InTransaction())
	assert.Equal(t, int64(10), committed(t, e, account, "balance"))
	require.NoError(t, s.Commit())
	assert.Equal(t, int64(30), committed(t, e, account, "balance"))

	// Two inserts plus the three autocommit reads of committed.
	assert.Equal(t, 5.0, testutil.ToFloat64(e.Metrics().Commits.WithLabelValues("read-committed")))
}

func TestSetAutocommitCommitsOpenTransaction(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	s := open(t, e, storage.ReadCommitted)

	require.NoError(t, s.Write(ctx, account, storage.Row{"balance": 5}))
	require.True(t, s.InTransaction())
	require.NoError(t, s.SetAutocommit(true))
	assert.False(t, s.InTransaction())
	assert.Equal(t, int64(5), committed(t, e, account, "balance"))
}

func TestSessionStatementErrors(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	s := open(t, e, storage.RepeatableRead)

	_, err := s.Read(ctx, account)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
	assert.True(t, s.InTransaction(), "not found does not abort")

	assert.True(t, errors.Is(s.Delete(ctx, account), storage.ErrNotFound))
	_, err = s.Update(ctx, account, withdraw(1))
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	assert.True(t, errors.Is(s.SetIsolationLevel(storage.Serializable), ErrTxInProgress))
	assert.True(t, errors.Is(s.Begin(), ErrTxInProgress))
	require.NoError(t, s.Rollback())
	require.NoError(t, s.SetIsolationLevel(storage.Serializable))
	assert.Equal(t, storage.Serializable, s.Level())

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = s.Read(cancelled, account)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, s.InTransaction())

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	_, err = s.Read(ctx, account)
	assert.True(t, errors.Is(err, storage.ErrSessionClosed))
	assert.True(t, errors.Is(s.Commit(), storage.ErrSessionClosed))
}

func TestDeleteAndReinsert(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	seed(t, e, storage.KV{Key: account, Row: storage.Row{"balance": 500}})

	s := open(t, e, storage.RepeatableRead)
	require.NoError(t, s.Delete(ctx, account))
	_, err := s.Read(ctx, account)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
	assert.Equal(t, int64(500), committed(t, e, account, "balance"))
	require.NoError(t, s.Commit())

	reader, err := e.Open(storage.ReadCommitted, true)
	require.NoError(t, err)
	defer reader.Close()
	_, err = reader.Read(ctx, account)
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	require.NoError(t, reader.Insert(ctx, account, storage.Row{"balance": 1500}))
	assert.Equal(t, int64(1500), committed(t, e, account, "balance"))
}

func TestEngineLifecycle(t *testing.T) {
	e := newTestEngine(t)
	assert.Equal(t, 2*time.Second, e.LockTimeout())

	_, err := e.Open(storage.IsolationLevel(42), false)
	assert.Error(t, err)

	stats := e.Stats()
	assert.Equal(t, 0, stats.Transactions.Active)

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	_, err = e.OpenDefault(false)
	assert.True(t, errors.Is(err, ErrEngineClosed))
}

func TestDuplicateRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	newTestEngine(t, func(o *Options) { o.Registerer = reg })

	opts := DefaultOptions()
	opts.Registerer = reg
	_, err := New(opts)
	assert.Error(t, err)
}

func TestFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Engine.LockTimeout = time.Second
	cfg.Engine.DefaultIsolation = "serializable"
	cfg.Logging.Output = "stdout"

	opts, err := FromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, time.Second, opts.LockTimeout)
	assert.Equal(t, storage.Serializable, opts.DefaultIsolation)
	assert.NotNil(t, opts.Logger)

	cfg.Engine.DefaultIsolation = "chaos"
	_, err = FromConfig(cfg)
	assert.Error(t, err)
}
