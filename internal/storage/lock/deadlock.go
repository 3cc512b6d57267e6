package lock

import (
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/KilimcininKorOglu/isodb/internal/storage"
)

// Victim describes a transaction aborted to break a wait-for cycle.
type Victim struct {
	TxID  storage.TxID
	Cycle []storage.TxID
}

// WaitsFor returns the current wait-for graph: each waiting transaction
// mapped to the transactions it waits on, sorted.
func (m *Manager) WaitsFor() map[storage.TxID][]storage.TxID {
	m.mu.Lock()
	defer m.mu.Unlock()

	graph := make(map[storage.TxID][]storage.TxID, len(m.waiting))
	for id, w := range m.waiting {
		graph[id] = txIDs(m.conflictsLocked(w.req))
	}
	return graph
}

// DetectDeadlocks searches the wait-for graph for cycles and aborts one
// waiter per cycle: the youngest participant, that is the one with the
// greatest start timestamp, ties broken by the greater transaction ID. The
// victim's Acquire returns ErrDeadlockAborted.
func (m *Manager) DetectDeadlocks() []Victim {
	m.mu.Lock()
	defer m.mu.Unlock()

	var victims []Victim
	for {
		cycle := m.findCycleLocked()
		if cycle == nil {
			return victims
		}

		victim := m.waiting[cycle[0]].req
		for _, id := range cycle[1:] {
			r := m.waiting[id].req
			if r.StartTS > victim.StartTS || (r.StartTS == victim.StartTS && r.TxID > victim.TxID) {
				victim = r
			}
		}

		w := m.waiting[victim.TxID]
		delete(m.waiting, victim.TxID)
		w.abort <- errors.WithDetailf(
			errors.Wrapf(storage.ErrDeadlockAborted, "tx %d waiting for %s", victim.TxID, victim),
			"wait-for cycle %v", cycle)
		victims = append(victims, Victim{TxID: victim.TxID, Cycle: cycle})
	}
}

// findCycleLocked returns the transactions of one wait-for cycle, or nil.
// Edges are recomputed from the lock table so a waiter whose blockers have
// already released is not part of any cycle. Only waiting transactions have
// outgoing edges, so every member of a cycle is in m.waiting.
func (m *Manager) findCycleLocked() []storage.TxID {
	const (
		unvisited = iota
		onStack
		done
	)
	state := make(map[storage.TxID]int, len(m.waiting))
	var stack []storage.TxID

	var visit func(id storage.TxID) []storage.TxID
	visit = func(id storage.TxID) []storage.TxID {
		state[id] = onStack
		stack = append(stack, id)

		if w, ok := m.waiting[id]; ok {
			for _, next := range txIDs(m.conflictsLocked(w.req)) {
				switch state[next] {
				case onStack:
					for i := len(stack) - 1; i >= 0; i-- {
						if stack[i] == next {
							return append([]storage.TxID(nil), stack[i:]...)
						}
					}
				case unvisited:
					if cycle := visit(next); cycle != nil {
						return cycle
					}
				}
			}
		}

		stack = stack[:len(stack)-1]
		state[id] = done
		return nil
	}

	roots := make([]storage.TxID, 0, len(m.waiting))
	for id := range m.waiting {
		roots = append(roots, id)
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i] < roots[j] })

	for _, id := range roots {
		if state[id] == unvisited {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

func txIDs(set map[storage.TxID]struct{}) []storage.TxID {
	out := make([]storage.TxID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
