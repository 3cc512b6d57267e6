// Package scenario scripts concurrent sessions against an isodb engine to
// show which anomalies each isolation level lets through.
package scenario

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/KilimcininKorOglu/isodb/internal/engine"
	"github.com/KilimcininKorOglu/isodb/internal/storage"
)

// DefaultRunTimeout bounds a single scenario run.
const DefaultRunTimeout = 30 * time.Second

// ErrUnknownScenario is returned by Lookup-based helpers for names not in
// the catalogue.
var ErrUnknownScenario = errors.New("unknown scenario")

// Scenario is a scripted interleaving of sessions that exhibits one
// anomaly when the isolation level permits it.
type Scenario struct {
	Name string

	// Hazard describes the anomaly in a sentence.
	Hazard string

	// Expected tells, per level, whether the anomaly is observed.
	Expected map[storage.IsolationLevel]bool

	// LockTimeout, when non-zero, replaces the engine's lock wait timeout.
	LockTimeout time.Duration

	// Setup rows are committed before the scripts start.
	Setup []storage.KV

	// Build adds the scripts to x, every session running at level, and
	// returns the check that decides from the results whether the anomaly
	// happened.
	Build func(x *Executor, level storage.IsolationLevel) Check
}

// Check inspects the results of a run. It reports whether the anomaly
// happened and a one-line account of what was observed.
type Check func(res *Results) (anomaly bool, detail string)

// Report is the outcome of running a scenario at one level.
type Report struct {
	Scenario string
	Level    storage.IsolationLevel
	Anomaly  bool
	Expected bool
	Detail   string
	Errors   []string
	Duration time.Duration
}

// OK reports whether the level behaved as documented.
func (r Report) OK() bool {
	return r.Anomaly == r.Expected
}

// String renders the report on one line.
func (r Report) String() string {
	verdict := "prevented"
	if r.Anomaly {
		verdict = "ANOMALY"
	}
	status := "ok"
	if !r.OK() {
		status = "UNEXPECTED"
	}
	return fmt.Sprintf("%-20s %-17s %-9s %-10s %s", r.Scenario, r.Level, verdict, status, r.Detail)
}

// Run executes sc at level on a fresh engine built from opts. The engine's
// metrics are not registered anywhere.
func Run(ctx context.Context, sc Scenario, level storage.IsolationLevel, opts engine.Options) (Report, error) {
	if sc.LockTimeout > 0 {
		opts.LockTimeout = sc.LockTimeout
	}
	opts.Registerer = nil

	e, err := engine.New(opts)
	if err != nil {
		return Report{}, err
	}
	defer e.Close()

	if err := load(ctx, e, sc.Setup); err != nil {
		return Report{}, errors.Wrapf(err, "%s: setup", sc.Name)
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultRunTimeout)
	defer cancel()

	start := time.Now()
	x := NewExecutor(e)
	check := sc.Build(x, level)
	res, err := x.Run(ctx)
	if err != nil {
		return Report{}, errors.Wrapf(err, "%s at %s", sc.Name, level)
	}

	anomaly, detail := check(res)
	rep := Report{
		Scenario: sc.Name,
		Level:    level,
		Anomaly:  anomaly,
		Expected: sc.Expected[level],
		Detail:   detail,
		Duration: time.Since(start),
	}
	for ref, err := range res.Errors() {
		rep.Errors = append(rep.Errors, fmt.Sprintf("%s: %v", ref, err))
	}
	sort.Strings(rep.Errors)
	return rep, nil
}

// RunAll executes sc at every isolation level.
func RunAll(ctx context.Context, sc Scenario, opts engine.Options) ([]Report, error) {
	var reports []Report
	for _, level := range storage.Levels() {
		rep, err := Run(ctx, sc, level, opts)
		if err != nil {
			return reports, err
		}
		reports = append(reports, rep)
	}
	return reports, nil
}

func load(ctx context.Context, e *engine.Engine, rows []storage.KV) error {
	if len(rows) == 0 {
		return nil
	}
	s, err := e.Open(storage.ReadCommitted, false)
	if err != nil {
		return err
	}
	defer s.Close()
	for _, kv := range rows {
		if err := s.Insert(ctx, kv.Key, kv.Row); err != nil {
			return err
		}
	}
	return s.Commit()
}

// Lookup returns the catalogue scenario with the given name.
func Lookup(name string) (Scenario, error) {
	for _, sc := range Catalogue() {
		if sc.Name == name {
			return sc, nil
		}
	}
	return Scenario{}, errors.Wrapf(ErrUnknownScenario, "%q", name)
}

// Names lists the catalogue in order.
func Names() []string {
	var names []string
	for _, sc := range Catalogue() {
		names = append(names, sc.Name)
	}
	return names
}
