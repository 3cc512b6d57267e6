// Package engine ties the storage layers of isodb together and exposes them
// to clients as sessions.
//
// An Engine owns the version store, the transaction manager and the lock
// manager, and runs two background workers: the deadlock detector and the
// garbage collector. A Session is one client connection:
//
//	e, err := engine.New(engine.DefaultOptions())
//	if err != nil {
//	    return err
//	}
//	defer e.Close()
//
//	s, _ := e.Open(storage.RepeatableRead, false)
//	defer s.Close()
//
//	row, err := s.Read(ctx, storage.K("account", 1))
//	...
//	_, err = s.Update(ctx, storage.K("account", 1), func(r storage.Row) storage.Row {
//	    return r.With("balance", r.MustInt("balance")-250)
//	})
//	...
//	err = s.Commit()
//
// Every write statement takes an exclusive row lock. The isolation level of
// the transaction decides what reads see, whether scans take predicate
// locks, what happens to a writer woken after a wait, and which concurrent
// commits fail validation.
package engine
