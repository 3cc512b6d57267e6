package scenario

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/KilimcininKorOglu/isodb/internal/engine"
	"github.com/KilimcininKorOglu/isodb/internal/storage"
)

// pollInterval is how often AwaitProgress checks whether a session blocked.
const pollInterval = time.Millisecond

// Ref names the result of one step.
type Ref string

// Executor runs several scripted sessions concurrently against one engine.
// Each script runs in its own goroutine; scripts coordinate through named
// barriers. A failing statement does not stop its script: the error is
// recorded under the step's Ref and the script carries on, the way a client
// would go on to roll back or commit.
type Executor struct {
	engine  *engine.Engine
	scripts []*Script
	inspect []storage.Key

	mu       sync.Mutex
	barriers map[string]chan struct{}
}

// NewExecutor creates an executor for e.
func NewExecutor(e *engine.Engine) *Executor {
	return &Executor{
		engine:   e,
		barriers: make(map[string]chan struct{}),
	}
}

// Session adds a script run by a new session at the given level.
func (x *Executor) Session(name string, level storage.IsolationLevel) *Script {
	s := &Script{name: name, level: level, exec: x}
	x.scripts = append(x.scripts, s)
	return s
}

// Inspect asks for the committed value of key to be read once every script
// has finished. It is available as Results.Final.
func (x *Executor) Inspect(keys ...storage.Key) {
	x.inspect = append(x.inspect, keys...)
}

func (x *Executor) barrier(name string) chan struct{} {
	x.mu.Lock()
	defer x.mu.Unlock()
	ch, ok := x.barriers[name]
	if !ok {
		ch = make(chan struct{})
		x.barriers[name] = ch
	}
	return ch
}

func (x *Executor) signal(name string) {
	ch := x.barrier(name)
	x.mu.Lock()
	defer x.mu.Unlock()
	select {
	case <-ch:
	default:
		close(ch)
	}
}

func (x *Executor) script(name string) *Script {
	for _, s := range x.scripts {
		if s.name == name {
			return s
		}
	}
	return nil
}

// Run opens a session per script, runs all scripts to completion and
// returns their results. It fails only when a script cannot make progress
// before ctx ends or a script references an unknown session.
func (x *Executor) Run(ctx context.Context) (*Results, error) {
	res := newResults()

	for _, s := range x.scripts {
		sess, err := x.engine.Open(s.level, false)
		if err != nil {
			return nil, errors.Wrapf(err, "opening session %s", s.name)
		}
		s.session = sess
	}
	defer func() {
		for _, s := range x.scripts {
			_ = s.session.Close()
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range x.scripts {
		s := s
		g.Go(func() error {
			for _, st := range s.steps {
				if err := st.run(gctx, s.session, res); err != nil {
					if st.control {
						return errors.Wrapf(err, "%s: %s", s.name, st.ref)
					}
					res.setErr(st.ref, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if len(x.inspect) > 0 {
		auditor, err := x.engine.Open(storage.ReadCommitted, true)
		if err != nil {
			return nil, errors.Wrap(err, "opening auditor session")
		}
		defer auditor.Close()
		for _, key := range x.inspect {
			row, err := auditor.Read(ctx, key)
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return nil, errors.Wrapf(err, "inspecting %s", key)
			}
			res.setFinal(key, row)
		}
	}
	return res, nil
}

// step is one action of a script. Control steps (barriers) abort the run
// when they fail; statement failures are recorded.
type step struct {
	ref     Ref
	control bool
	run     func(ctx context.Context, s *engine.Session, res *Results) error
}

// Script is the ordered list of statements one session executes.
type Script struct {
	name    string
	level   storage.IsolationLevel
	exec    *Executor
	steps   []step
	session *engine.Session
}

// Name returns the script's session name.
func (s *Script) Name() string {
	return s.name
}

func (s *Script) add(op string, control bool, run func(context.Context, *engine.Session, *Results) error) Ref {
	ref := Ref(fmt.Sprintf("%s.%s#%d", s.name, op, len(s.steps)+1))
	s.steps = append(s.steps, step{ref: ref, control: control, run: run})
	return ref
}

// Begin starts an explicit transaction.
func (s *Script) Begin() Ref {
	return s.add("begin", false, func(_ context.Context, sess *engine.Session, _ *Results) error {
		return sess.Begin()
	})
}

// Read reads key; the row is available as Results.Row(ref).
func (s *Script) Read(key storage.Key) Ref {
	var ref Ref
	ref = s.add("read", false, func(ctx context.Context, sess *engine.Session, res *Results) error {
		row, err := sess.Read(ctx, key)
		if err == nil {
			res.setRow(ref, row)
		}
		return err
	})
	return ref
}

// Scan scans pred; the rows are available as Results.Rows(ref).
func (s *Script) Scan(pred storage.Predicate) Ref {
	var ref Ref
	ref = s.add("scan", false, func(ctx context.Context, sess *engine.Session, res *Results) error {
		rows, err := sess.Scan(ctx, pred)
		if err == nil {
			res.setRows(ref, rows)
		}
		return err
	})
	return ref
}

// Write stores row at key.
func (s *Script) Write(key storage.Key, row storage.Row) Ref {
	return s.WriteFunc(key, func(*Results) storage.Row { return row })
}

// WriteFunc stores the row computed from earlier results, e.g. a balance
// read by a previous step.
func (s *Script) WriteFunc(key storage.Key, fn func(*Results) storage.Row) Ref {
	return s.add("write", false, func(ctx context.Context, sess *engine.Session, res *Results) error {
		return sess.Write(ctx, key, fn(res))
	})
}

// Insert inserts row at key.
func (s *Script) Insert(key storage.Key, row storage.Row) Ref {
	return s.add("insert", false, func(ctx context.Context, sess *engine.Session, _ *Results) error {
		return sess.Insert(ctx, key, row)
	})
}

// Update applies fn to the row at key.
func (s *Script) Update(key storage.Key, fn func(storage.Row) storage.Row) Ref {
	var ref Ref
	ref = s.add("update", false, func(ctx context.Context, sess *engine.Session, res *Results) error {
		row, err := sess.Update(ctx, key, fn)
		if err == nil {
			res.setRow(ref, row)
		}
		return err
	})
	return ref
}

// Delete deletes the row at key.
func (s *Script) Delete(key storage.Key) Ref {
	return s.add("delete", false, func(ctx context.Context, sess *engine.Session, _ *Results) error {
		return sess.Delete(ctx, key)
	})
}

// Commit commits the session's transaction.
func (s *Script) Commit() Ref {
	return s.add("commit", false, func(_ context.Context, sess *engine.Session, _ *Results) error {
		return sess.Commit()
	})
}

// Rollback rolls the session's transaction back.
func (s *Script) Rollback() Ref {
	return s.add("rollback", false, func(_ context.Context, sess *engine.Session, _ *Results) error {
		return sess.Rollback()
	})
}

// Barrier signals that the script reached this point.
func (s *Script) Barrier(name string) {
	s.add("barrier", true, func(context.Context, *engine.Session, *Results) error {
		s.exec.signal(name)
		return nil
	})
}

// WaitFor blocks the script until another script signals the barrier.
func (s *Script) WaitFor(name string) {
	s.add("wait", true, func(ctx context.Context, _ *engine.Session, _ *Results) error {
		select {
		case <-s.exec.barrier(name):
			return nil
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "waiting for barrier %s", name)
		}
	})
}

// AwaitProgress blocks the script until the barrier is signalled or the
// named session is blocked on a lock, whichever comes first. It lets a
// script go on when its partner may or may not be stuck behind one of its
// locks, depending on the isolation level.
func (s *Script) AwaitProgress(name, session string) {
	s.add("await", true, func(ctx context.Context, _ *engine.Session, _ *Results) error {
		other := s.exec.script(session)
		if other == nil {
			return errors.Newf("unknown session %q", session)
		}
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()

		done := s.exec.barrier(name)
		for {
			if other.session.Waiting() {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ticker.C:
			case <-ctx.Done():
				return errors.Wrapf(ctx.Err(), "waiting for barrier %s or session %s", name, session)
			}
		}
	})
}

// Results collects what the steps of a run observed.
type Results struct {
	mu    sync.Mutex
	rows  map[Ref]storage.Row
	scans map[Ref][]storage.KV
	errs  map[Ref]error
	final map[storage.Key]storage.Row
}

func newResults() *Results {
	return &Results{
		rows:  make(map[Ref]storage.Row),
		scans: make(map[Ref][]storage.KV),
		errs:  make(map[Ref]error),
		final: make(map[storage.Key]storage.Row),
	}
}

func (r *Results) setRow(ref Ref, row storage.Row) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[ref] = row
}

func (r *Results) setRows(ref Ref, rows []storage.KV) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scans[ref] = rows
}

func (r *Results) setErr(ref Ref, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs[ref] = err
}

func (r *Results) setFinal(key storage.Key, row storage.Row) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.final[key] = row
}

// Row returns the row read or written by a step, nil if it failed.
func (r *Results) Row(ref Ref) storage.Row {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rows[ref]
}

// Int returns an integer column of the row of a step, 0 if absent.
func (r *Results) Int(ref Ref, col string) int64 {
	v, _ := r.Row(ref).Int(col)
	return v
}

// Rows returns the rows returned by a scan step.
func (r *Results) Rows(ref Ref) []storage.KV {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scans[ref]
}

// Err returns the error of a step, nil if it succeeded.
func (r *Results) Err(ref Ref) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errs[ref]
}

// Errors returns every recorded step error.
func (r *Results) Errors() map[Ref]error {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[Ref]error, len(r.errs))
	for k, v := range r.errs {
		out[k] = v
	}
	return out
}

// Final returns the committed row of an inspected key, nil if it does not
// exist.
func (r *Results) Final(key storage.Key) storage.Row {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.final[key]
}
