// Package worker implements the process-local Worker Table (spec.md §3,
// §4.5): the directory of peers keyed by integer worker id, each carrying
// connection state, streams, configuration, and lifecycle conditions.
//
// The Worker record itself generalizes the teacher's RPCClient — where
// RPCClient owns exactly one peer connection (conn/reader/writer/shutdown),
// a Worker owns the same shape of state but lives in a table keyed by id
// rather than being the top-level handle.
package worker

import (
	"io"
	"sync"
	"sync/atomic"
)

// State is a Worker's lifecycle state. Transitions follow
// Created -> Connecting -> Connected -> Terminating -> Terminated, with
// Unknown reserved for peers that failed handshake before ever being
// registered under an id.
type State int32

const (
	Created State = iota
	Connecting
	Connected
	Terminating
	Terminated
	Unknown
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Terminating:
		return "terminating"
	case Terminated:
		return "terminated"
	case Unknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// Config mirrors the configuration knobs spec.md §6 lists as recognized by
// the core.
type Config struct {
	Topology           string // all_to_all | master_worker | custom
	Lazy               bool
	EnableThreadedBLAS bool
	MaxParallel        int
	Env                map[string]string
	ExeFlags           []string
}

// Worker is the process-local record for one peer.
type Worker struct {
	ID      int64
	state   int32 // atomic State
	Version string
	Config  Config

	RStream io.ReadCloser
	WStream io.WriteCloser

	// WriteMu serializes frame sends to this peer at the frame boundary,
	// mirroring the teacher's per-connection writeLock.
	WriteMu sync.Mutex

	initOnce sync.Once
	initCh   chan struct{}

	// DelMsgs / AddMsgs batch pending dereference/new-client notifications
	// destined for this peer, flushed by the dispatcher's send path.
	mu      sync.Mutex
	DelMsgs []DelMsg
	AddMsgs []AddMsg

	// Connector is set on lazy-mesh placeholders: a deferred closure that
	// establishes the real connection on first use (spec.md §4.6).
	Connector func() error
	connected int32 // atomic bool, guards single execution of Connector
}

// DelMsg batches a dereference notification for a single RRID owner.
type DelMsg struct {
	Whence int64
	IDs    []int64
}

// AddMsg batches a new-client notification.
type AddMsg struct {
	Whence int64
	IDs    []int64
}

// New returns a Worker in the Created state.
func New(id int64) *Worker {
	return &Worker{ID: id, state: int32(Created), initCh: make(chan struct{})}
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	return State(atomic.LoadInt32(&w.state))
}

// SetState performs an atomic compare-and-set transition. Terminated and
// Terminating are terminal: once set, SetState refuses any further
// transition away from them and reports ok=false.
func (w *Worker) SetState(from, to State) (ok bool) {
	cur := State(atomic.LoadInt32(&w.state))
	if cur == Terminated || cur == Terminating {
		return false
	}
	return atomic.CompareAndSwapInt32(&w.state, int32(from), int32(to))
}

// ForceState sets the state unconditionally, bypassing SetState's
// compare-and-set and its refusal to leave Terminating/Terminated.
func (w *Worker) ForceState(to State) {
	atomic.StoreInt32(&w.state, int32(to))
}

// MarkInitialized signals the one-shot "handshake complete" condition.
// Safe to call more than once; only the first call has any effect.
func (w *Worker) MarkInitialized() {
	w.initOnce.Do(func() { close(w.initCh) })
}

// WaitInitialized blocks until MarkInitialized has been called.
func (w *Worker) WaitInitialized() {
	<-w.initCh
}

// Initialized reports whether MarkInitialized has already fired, without
// blocking.
func (w *Worker) Initialized() bool {
	select {
	case <-w.initCh:
		return true
	default:
		return false
	}
}

// EnsureConnected runs the lazy-mesh Connector exactly once, if set. It is
// a no-op for eagerly-connected workers (Connector == nil).
func (w *Worker) EnsureConnected() error {
	if w.Connector == nil {
		return nil
	}
	if !atomic.CompareAndSwapInt32(&w.connected, 0, 1) {
		w.WaitInitialized()
		return nil
	}
	return w.Connector()
}

// PushDel queues a dereference notification for later batch delivery.
func (w *Worker) PushDel(msg DelMsg) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.DelMsgs = append(w.DelMsgs, msg)
}

// DrainDel returns and clears the pending dereference batch.
func (w *Worker) DrainDel() []DelMsg {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := w.DelMsgs
	w.DelMsgs = nil
	return out
}

// PushAdd queues a new-client notification for later batch delivery.
func (w *Worker) PushAdd(msg AddMsg) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.AddMsgs = append(w.AddMsgs, msg)
}

// DrainAdd returns and clears the pending new-client batch.
func (w *Worker) DrainAdd() []AddMsg {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := w.AddMsgs
	w.AddMsgs = nil
	return out
}

// Close closes both streams, tolerating either being nil or already
// closed. The dispatcher's FAILED path and Table.Deregister call it for a
// peer registered in the table; a connection that fails its handshake, or
// ends before a peer id is bound, is not closed through here.
func (w *Worker) Close() error {
	var err error
	if w.RStream != nil {
		if e := w.RStream.Close(); e != nil {
			err = e
		}
	}
	if w.WStream != nil && w.WStream != io.WriteCloser(w.RStream) {
		if e := w.WStream.Close(); e != nil {
			err = e
		}
	}
	return err
}
