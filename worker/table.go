package worker

import (
	"errors"
	"sync"

	metrics "github.com/armon/go-metrics"
)

// Controller is the reserved worker id of the cluster controller.
const Controller int64 = 1

// ErrAlreadyRegistered is returned by Table.Register when id is already
// present.
var ErrAlreadyRegistered = errors.New("worker: id already registered")

// ErrNotFound is returned when an operation names an id the table has
// never seen.
var ErrNotFound = errors.New("worker: id not found")

// Table is the process-local directory of peers, keyed by worker id. A
// single lock guards the map itself; per-Worker state (streams, lifecycle)
// is independently synchronized so lookups never block on I/O, mirroring
// the teacher's dispatchLock discipline.
type Table struct {
	mu       sync.Mutex
	workers  map[int64]*Worker
	deleted  map[int64]struct{}
	selfID   int64
}

// NewTable returns an empty Table for the process whose own id is selfID.
func NewTable(selfID int64) *Table {
	return &Table{
		workers: make(map[int64]*Worker),
		deleted: make(map[int64]struct{}),
		selfID:  selfID,
	}
}

// SelfID returns this process's own worker id.
func (t *Table) SelfID() int64 { return t.selfID }

// SetSelfID records the id the controller assigned this process via
// JoinPGRP. A freshly launched worker constructs its Table before it
// knows its own id; the Topology Manager calls this once JoinPGRP
// arrives.
func (t *Table) SetSelfID(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.selfID = id
}

// Register inserts w into the table, asserting id uniqueness.
func (t *Table) Register(w *Worker) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.workers[w.ID]; exists {
		return ErrAlreadyRegistered
	}
	t.workers[w.ID] = w
	metrics.SetGauge([]string{"worker", "table_size"}, float32(len(t.workers)))
	return nil
}

// Lookup returns the Worker for id, if any.
func (t *Table) Lookup(id int64) (*Worker, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.workers[id]
	return w, ok
}

// All returns a snapshot slice of every registered Worker.
func (t *Table) All() []*Worker {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Worker, 0, len(t.workers))
	for _, w := range t.workers {
		out = append(out, w)
	}
	return out
}

// IsDeleted reports whether id has already been through Deregister, per
// the map_del_wrkr rule adopted in spec.md §9 / DESIGN.md open question 2.
func (t *Table) IsDeleted(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.deleted[id]
	return ok
}

// AbortFunc is invoked once per deregistration, given the id of the dead
// worker, so the registry can fail outstanding RemoteValues
// (spec.md §8 invariant 6).
type AbortFunc func(deadWorker int64)

// Deregister moves id's entry into the deleted set, closes its streams,
// and invokes abort (typically Registry.Abort) to resolve pending
// RemoteValues that were waiting on this peer. It is idempotent: a second
// call for the same id finds no entry, changes nothing, and returns
// ErrNotFound.
func (t *Table) Deregister(id int64, abort AbortFunc) error {
	t.mu.Lock()
	w, ok := t.workers[id]
	if !ok {
		t.mu.Unlock()
		return ErrNotFound
	}
	if _, already := t.deleted[id]; already {
		t.mu.Unlock()
		return nil
	}
	delete(t.workers, id)
	t.deleted[id] = struct{}{}
	metrics.SetGauge([]string{"worker", "table_size"}, float32(len(t.workers)))
	metrics.IncrCounter([]string{"worker", "deregistered"}, 1)
	t.mu.Unlock()

	if !w.SetState(w.State(), Terminated) {
		w.ForceState(Terminated)
	}
	w.Close()
	if abort != nil {
		abort(id)
	}
	return nil
}

// SetWorkerState performs a CAS transition on the named worker, observable
// for test assertions.
func (t *Table) SetWorkerState(id int64, from, to State) (bool, error) {
	w, ok := t.Lookup(id)
	if !ok {
		return false, ErrNotFound
	}
	return w.SetState(from, to), nil
}
