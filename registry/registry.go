// Package registry implements the process-local RemoteRef registry: the
// table mapping RRIDs to rendezvous slots described in spec.md §4.2. All
// mutations run under a single registry-wide mutex (the "client_refs"
// equivalent), released before any blocking wait on a slot — mirroring the
// locking discipline the teacher's RPCClient uses for its own dispatch
// table (dispatchLock held only across map access, never across I/O).
package registry

import (
	"errors"
	"sync"

	metrics "github.com/armon/go-metrics"
	"github.com/boxcast/coreproc/rrid"
)

// ErrAlreadyRegistered is returned by Register when rrid already has an
// entry.
var ErrAlreadyRegistered = errors.New("registry: rrid already registered")

// ErrAlreadyPut is returned by Put when a value has already been stored
// against this RRID; at most one put is ever executed per spec.md §8
// invariant 2.
var ErrAlreadyPut = errors.New("registry: rrid already has a value")

// ErrNotFound is returned by operations against an unknown RRID.
var ErrNotFound = errors.New("registry: rrid not found")

// Registry is the per-process table of RemoteValues.
type Registry struct {
	mu      sync.Mutex
	entries map[rrid.RRID]*RemoteValue
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[rrid.RRID]*RemoteValue)}
}

// Register creates a new RemoteValue entry for id. waitingFor is the
// worker id whose reply will eventually fill the slot (0 for a locally
// produced value). unbuffered marks a slot that can only ever be filled
// once, by a single Result frame.
func (r *Registry) Register(id rrid.RRID, waitingFor int64, unbuffered bool) (*RemoteValue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[id]; exists {
		return nil, ErrAlreadyRegistered
	}
	rv := newRemoteValue(id, waitingFor, unbuffered)
	r.entries[id] = rv
	metrics.IncrCounter([]string{"registry", "registered"}, 1)
	metrics.SetGauge([]string{"registry", "size"}, float32(len(r.entries)))
	return rv, nil
}

// Lookup returns the RemoteValue for id without blocking.
func (r *Registry) Lookup(id rrid.RRID) (*RemoteValue, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rv, ok := r.entries[id]
	return rv, ok
}

// Put stores value against id. Exactly one successful put may ever occur
// per RRID.
func (r *Registry) Put(id rrid.RRID, value interface{}) error {
	rv, ok := r.Lookup(id)
	if !ok {
		return ErrNotFound
	}
	if err := rv.put(value); err != nil {
		return err
	}
	r.reclaimIfOrphaned(id, rv)
	return nil
}

// Take consumes and removes the value at id, blocking while the slot is
// empty. The lookup itself does not block; only the wait on the slot does.
func (r *Registry) Take(id rrid.RRID) (interface{}, error) {
	rv, ok := r.Lookup(id)
	if !ok {
		return nil, ErrNotFound
	}
	v := rv.take()
	r.reclaimIfOrphaned(id, rv)
	return v, nil
}

// Fetch peeks the value at id without removing it, blocking while the slot
// is empty.
func (r *Registry) Fetch(id rrid.RRID) (interface{}, error) {
	rv, ok := r.Lookup(id)
	if !ok {
		return nil, ErrNotFound
	}
	return rv.fetch(), nil
}

// AddClient records that worker wid now holds a handle to id.
func (r *Registry) AddClient(id rrid.RRID, wid int64) error {
	rv, ok := r.Lookup(id)
	if !ok {
		return ErrNotFound
	}
	rv.addClient(wid)
	return nil
}

// RemoveClient drops worker wid's handle to id. Once the client set is
// empty and the value has been consumed, the entry is reclaimed from the
// registry.
func (r *Registry) RemoveClient(id rrid.RRID, wid int64) error {
	rv, ok := r.Lookup(id)
	if !ok {
		return ErrNotFound
	}
	if rv.removeClient(wid) {
		r.remove(id)
	}
	return nil
}

func (r *Registry) reclaimIfOrphaned(id rrid.RRID, rv *RemoteValue) {
	if rv.isConsumedAndOrphaned() {
		r.remove(id)
	}
}

func (r *Registry) remove(id rrid.RRID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
	metrics.SetGauge([]string{"registry", "size"}, float32(len(r.entries)))
}

// Abort fails every live RemoteValue whose WaitingFor equals wid by
// putting reason into its slot. Used by the supervisor when a peer dies
// (spec.md §8 invariant 6, scenario 4).
func (r *Registry) Abort(wid int64, reason interface{}) {
	r.mu.Lock()
	victims := make([]*RemoteValue, 0)
	for _, rv := range r.entries {
		if rv.WaitingFor == wid {
			victims = append(victims, rv)
		}
	}
	r.mu.Unlock()

	for _, rv := range victims {
		_ = rv.put(reason) // ignore ErrAlreadyPut: already resolved is fine
	}
}

// Len reports the number of live entries, for tests and diagnostics.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
