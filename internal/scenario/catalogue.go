package scenario

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/KilimcininKorOglu/isodb/internal/storage"
)

var (
	account1 = storage.K("account", 1)
	account2 = storage.K("account", 2)
	item1    = storage.K("items", 1)
	item2    = storage.K("items", 2)
	doctor1  = storage.K("doctors", 1)
	doctor2  = storage.K("doctors", 2)
	employee = storage.K("employee", 1)
	newHire  = storage.K("employee", 2)
)

const today = "2000-01-01"

func expect(ru, rc, rr, ser bool) map[storage.IsolationLevel]bool {
	return map[storage.IsolationLevel]bool{
		storage.ReadUncommitted: ru,
		storage.ReadCommitted:   rc,
		storage.RepeatableRead:  rr,
		storage.Serializable:    ser,
	}
}

func balance(n int64) storage.Row { return storage.Row{"balance": n} }

func addBalance(delta int64) func(storage.Row) storage.Row {
	return func(r storage.Row) storage.Row {
		return r.With("balance", r.MustInt("balance")+delta)
	}
}

func decrementQuantity(r storage.Row) storage.Row {
	return r.With("quantity", r.MustInt("quantity")-1)
}

func intOf(row storage.Row, col string) string {
	if row == nil {
		return "none"
	}
	v, _ := row.Int(col)
	return fmt.Sprint(v)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, storage.ErrLockTimeout):
		return "lock timeout"
	case errors.Is(err, storage.ErrDeadlockAborted):
		return "deadlock victim"
	case errors.Is(err, storage.ErrSerializationConflict):
		return "serialization failure"
	default:
		return err.Error()
	}
}

// Catalogue returns every scenario, in presentation order.
func Catalogue() []Scenario {
	return []Scenario{
		dirtyRead(),
		dirtyWrite(),
		lostUpdate(),
		accountClose(),
		nonRepeatableRead(),
		phantomRead(),
		negativeStock(),
		writeSkew(),
		birthdayBonus(),
		deadlock(),
	}
}

// Two deposits of 100 on 500; the first is rolled back after the second
// read its uncommitted balance.
func dirtyRead() Scenario {
	return Scenario{
		Name:     "dirty-read",
		Hazard:   "a transaction reads a balance another transaction later rolls back, and 100 is given away",
		Expected: expect(true, false, false, false),
		Setup:    []storage.KV{{Key: account1, Row: balance(500)}},
		Build: func(x *Executor, level storage.IsolationLevel) Check {
			t1 := x.Session("t1", level)
			t2 := x.Session("t2", level)
			x.Inspect(account1)

			r1 := t1.Read(account1)
			t1.WriteFunc(account1, func(res *Results) storage.Row { return balance(res.Int(r1, "balance") + 100) })
			t1.Barrier("t1-wrote")
			t1.WaitFor("t2-read")
			t1.Rollback()
			t1.Barrier("t1-done")

			t2.WaitFor("t1-wrote")
			r2 := t2.Read(account1)
			t2.Barrier("t2-read")
			t2.WaitFor("t1-done")
			t2.WriteFunc(account1, func(res *Results) storage.Row { return balance(res.Int(r2, "balance") + 100) })
			t2.Commit()

			return func(res *Results) (bool, string) {
				final := intOf(res.Final(account1), "balance")
				return final == "700", fmt.Sprintf("t2 read %d, final balance %s (want 600)", res.Int(r2, "balance"), final)
			}
		},
	}
}

// A second writer changes a row while the first writer's change is still
// uncommitted. Where writes hold their lock, the second writer times out.
func dirtyWrite() Scenario {
	return Scenario{
		Name:        "dirty-write",
		Hazard:      "a transaction overwrites a row another transaction has modified but not committed",
		Expected:    expect(true, false, false, false),
		LockTimeout: 100 * time.Millisecond,
		Setup:       []storage.KV{{Key: account1, Row: balance(500)}},
		Build: func(x *Executor, level storage.IsolationLevel) Check {
			t1 := x.Session("t1", level)
			t2 := x.Session("t2", level)
			x.Inspect(account1)

			t1.Update(account1, addBalance(500))
			t1.Barrier("t1-wrote")
			t1.WaitFor("t2-wrote")
			t1.Commit()

			t2.WaitFor("t1-wrote")
			r2 := t2.Read(account1)
			w2 := t2.WriteFunc(account1, func(res *Results) storage.Row { return balance(res.Int(r2, "balance") + 1000) })
			t2.Barrier("t2-wrote")
			t2.Commit()

			return func(res *Results) (bool, string) {
				err := res.Err(w2)
				return err == nil, fmt.Sprintf("t2 write: %s, final balance %s", outcome(err), intOf(res.Final(account1), "balance"))
			}
		},
	}
}

// The ATM and the mobile app both withdraw 250 from 500, each computing
// the new balance from what it read.
func lostUpdate() Scenario {
	return Scenario{
		Name:     "lost-update",
		Hazard:   "two withdrawals both succeed but only one is reflected in the balance",
		Expected: expect(false, true, false, false),
		Setup:    []storage.KV{{Key: account1, Row: balance(500)}},
		Build: func(x *Executor, level storage.IsolationLevel) Check {
			atm := x.Session("atm", level)
			app := x.Session("app", level)
			x.Inspect(account1)

			r1 := atm.Read(account1)
			atm.WriteFunc(account1, func(res *Results) storage.Row { return balance(res.Int(r1, "balance") - 250) })
			atm.Barrier("atm-wrote")
			atm.WaitFor("app-read")
			atm.Commit()
			atm.Barrier("atm-done")

			app.WaitFor("atm-wrote")
			r2 := app.Read(account1)
			app.Barrier("app-read")
			app.WaitFor("atm-done")
			app.WriteFunc(account1, func(res *Results) storage.Row { return balance(res.Int(r2, "balance") - 250) })
			c2 := app.Commit()

			return func(res *Results) (bool, string) {
				final := intOf(res.Final(account1), "balance")
				err := res.Err(c2)
				return err == nil && final == "250",
					fmt.Sprintf("app read %d, app commit: %s, final balance %s (want 0)", res.Int(r2, "balance"), outcome(err), final)
			}
		},
	}
}

// A man withdraws all 500 and closes the account while his wife, who read
// the balance before, saves it back with a deposit of 1000.
func accountClose() Scenario {
	return Scenario{
		Name:     "account-close",
		Hazard:   "a deposit saved over an account closed meanwhile brings the account back",
		Expected: expect(true, true, false, false),
		Setup:    []storage.KV{{Key: account1, Row: balance(500)}},
		Build: func(x *Executor, level storage.IsolationLevel) Check {
			closer := x.Session("closer", level)
			wife := x.Session("wife", level)
			x.Inspect(account1)

			closer.WaitFor("wife-read")
			closer.Update(account1, func(storage.Row) storage.Row { return balance(0) })
			del := closer.Delete(account1)
			closer.Barrier("closed")
			closer.AwaitProgress("deposited", "wife")
			c1 := closer.Commit()
			closer.Barrier("closer-done")

			r2 := wife.Read(account1)
			wife.Barrier("wife-read")
			wife.WaitFor("closed")
			w2 := wife.WriteFunc(account1, func(res *Results) storage.Row { return balance(res.Int(r2, "balance") + 1000) })
			wife.Barrier("deposited")
			wife.WaitFor("closer-done")
			wife.Commit()

			return func(res *Results) (bool, string) {
				final := res.Final(account1)
				closed := res.Err(del) == nil && res.Err(c1) == nil
				return closed && final != nil, fmt.Sprintf("close: %s, deposit: %s, final balance %s",
					outcome(errors.CombineErrors(res.Err(del), res.Err(c1))), outcome(res.Err(w2)), intOf(final, "balance"))
			}
		},
	}
}

// A transaction reads the same row twice around another transaction's
// committed update.
func nonRepeatableRead() Scenario {
	return Scenario{
		Name:     "non-repeatable-read",
		Hazard:   "reading the same row twice in one transaction returns different values",
		Expected: expect(true, true, false, false),
		Setup:    []storage.KV{{Key: account1, Row: balance(500)}},
		Build: func(x *Executor, level storage.IsolationLevel) Check {
			reader := x.Session("reader", level)
			writer := x.Session("writer", level)

			first := reader.Read(account1)
			reader.Barrier("first-read")
			reader.WaitFor("changed")
			second := reader.Read(account1)
			reader.Commit()

			writer.WaitFor("first-read")
			writer.Write(account1, balance(700))
			writer.Commit()
			writer.Barrier("changed")

			return func(res *Results) (bool, string) {
				a, b := res.Int(first, "balance"), res.Int(second, "balance")
				return a != b, fmt.Sprintf("first read %d, second read %d", a, b)
			}
		},
	}
}

// A customer scans the items in stock twice while a manager adds one.
func phantomRead() Scenario {
	inStock := storage.Where("items", storage.Gt("quantity", 0))
	return Scenario{
		Name:     "phantom-read",
		Hazard:   "repeating a search in one transaction returns rows that were not there before",
		Expected: expect(true, true, true, false),
		Setup:    []storage.KV{{Key: item1, Row: storage.Row{"quantity": 1}}},
		Build: func(x *Executor, level storage.IsolationLevel) Check {
			customer := x.Session("customer", level)
			manager := x.Session("manager", level)

			first := customer.Scan(inStock)
			customer.Barrier("scanned")
			customer.AwaitProgress("stocked", "manager")
			second := customer.Scan(inStock)
			customer.Commit()

			manager.WaitFor("scanned")
			insert := manager.Insert(item2, storage.Row{"quantity": 5})
			manager.Commit()
			manager.Barrier("stocked")

			return func(res *Results) (bool, string) {
				a, b := len(res.Rows(first)), len(res.Rows(second))
				return b > a, fmt.Sprintf("first scan %d rows, second scan %d rows, insert: %s", a, b, outcome(res.Err(insert)))
			}
		},
	}
}

// The last item in stock is bought by two customers who both checked it
// was available.
func negativeStock() Scenario {
	available := storage.Where("items", storage.Eq("id", 1), storage.Gt("quantity", 0))
	return Scenario{
		Name:     "negative-stock",
		Hazard:   "two customers buy the last item and the stock goes negative",
		Expected: expect(true, true, false, false),
		Setup:    []storage.KV{{Key: item1, Row: storage.Row{"quantity": 1}}},
		Build: func(x *Executor, level storage.IsolationLevel) Check {
			c1 := x.Session("first", level)
			c2 := x.Session("second", level)
			x.Inspect(item1)

			c1.Scan(available)
			c1.Barrier("first-checked")
			c1.AwaitProgress("second-bought", "second")
			b1 := c1.Update(item1, decrementQuantity)
			c1.Commit()
			c1.Barrier("first-done")

			c2.WaitFor("first-checked")
			c2.Scan(available)
			b2 := c2.Update(item1, decrementQuantity)
			c2.Barrier("second-bought")
			c2.AwaitProgress("first-done", "first")
			c2.Commit()

			return func(res *Results) (bool, string) {
				final, _ := res.Final(item1).Int("quantity")
				return final < 0, fmt.Sprintf("first buy: %s, second buy: %s, final quantity %d",
					outcome(res.Err(b1)), outcome(res.Err(b2)), final)
			}
		},
	}
}

// Two doctors on call each go off call after checking the other one is
// still on.
func writeSkew() Scenario {
	return Scenario{
		Name:     "write-skew",
		Hazard:   "two transactions each keep a constraint locally but together break it: nobody is on call",
		Expected: expect(true, true, true, false),
		Setup: []storage.KV{
			{Key: doctor1, Row: storage.Row{"on_call": true}},
			{Key: doctor2, Row: storage.Row{"on_call": true}},
		},
		Build: func(x *Executor, level storage.IsolationLevel) Check {
			alice := x.Session("alice", level)
			bob := x.Session("bob", level)
			x.Inspect(doctor1, doctor2)

			alice.Read(doctor1)
			alice.Read(doctor2)
			alice.Barrier("alice-read")
			alice.WaitFor("bob-read")
			alice.Write(doctor1, storage.Row{"on_call": false})
			alice.Barrier("alice-wrote")
			alice.WaitFor("bob-wrote")
			alice.Commit()
			alice.Barrier("alice-done")

			bob.WaitFor("alice-read")
			bob.Read(doctor1)
			bob.Read(doctor2)
			bob.Barrier("bob-read")
			bob.WaitFor("alice-wrote")
			bob.Write(doctor2, storage.Row{"on_call": false})
			bob.Barrier("bob-wrote")
			bob.WaitFor("alice-done")
			c := bob.Commit()

			return func(res *Results) (bool, string) {
				on := 0
				for _, k := range []storage.Key{doctor1, doctor2} {
					if v, _ := res.Final(k).Bool("on_call"); v {
						on++
					}
				}
				return on == 0, fmt.Sprintf("bob commit: %s, doctors on call %d", outcome(res.Err(c)), on)
			}
		},
	}
}

// A manager looks for employees with a birthday today to pay them a bonus
// while another manager hires someone born today.
func birthdayBonus() Scenario {
	birthdays := storage.Where("employee", storage.Eq("birthday", today))
	return Scenario{
		Name:     "birthday-bonus",
		Hazard:   "a search inside a transaction sees a row committed after the transaction began",
		Expected: expect(true, true, true, false),
		Setup:    []storage.KV{{Key: employee, Row: storage.Row{"birthday": today}}},
		Build: func(x *Executor, level storage.IsolationLevel) Check {
			payroll := x.Session("payroll", level)
			hr := x.Session("hr", level)

			payroll.Begin()
			payroll.Barrier("began")
			payroll.WaitFor("hired")
			found := payroll.Scan(birthdays)
			payroll.Commit()

			hr.WaitFor("began")
			hr.Insert(newHire, storage.Row{"birthday": today})
			hr.Commit()
			hr.Barrier("hired")

			return func(res *Results) (bool, string) {
				n := len(res.Rows(found))
				return n > 1, fmt.Sprintf("employees found %d (1 existed when the transaction began)", n)
			}
		},
	}
}

// Two transfers lock two accounts in opposite order.
func deadlock() Scenario {
	return Scenario{
		Name:     "deadlock",
		Hazard:   "two transactions wait for each other's locks; one is aborted to break the cycle",
		Expected: expect(false, true, true, true),
		Setup: []storage.KV{
			{Key: account1, Row: balance(100)},
			{Key: account2, Row: balance(100)},
		},
		Build: func(x *Executor, level storage.IsolationLevel) Check {
			t1 := x.Session("t1", level)
			t2 := x.Session("t2", level)
			x.Inspect(account1, account2)

			t1.Update(account1, addBalance(-10))
			t1.Barrier("t1-locked")
			t1.WaitFor("t2-locked")
			u1 := t1.Update(account2, addBalance(10))
			t1.Commit()
			t1.Barrier("t1-done")

			t2.WaitFor("t1-locked")
			t2.Update(account2, addBalance(-10))
			t2.Barrier("t2-locked")
			t2.AwaitProgress("t1-done", "t1")
			u2 := t2.Update(account1, addBalance(10))
			t2.Commit()

			return func(res *Results) (bool, string) {
				e1, e2 := res.Err(u1), res.Err(u2)
				victim := errors.Is(e1, storage.ErrDeadlockAborted) || errors.Is(e2, storage.ErrDeadlockAborted)
				return victim, fmt.Sprintf("t1: %s, t2: %s, balances %s/%s", outcome(e1), outcome(e2),
					intOf(res.Final(account1), "balance"), intOf(res.Final(account2), "balance"))
			}
		},
	}
}
