// Package cluster composes the Worker Table, RemoteRef Registry, Call
// Engine, Topology Manager, and Supervisor into the five public RPC
// verbs spec.md §1/§7 describes: remotecall, remotecall_fetch,
// remotecall_wait, remote_do, and the put/take/fetch trio over a
// Future handle.
package cluster

import (
	"fmt"

	"github.com/boxcast/coreproc/call"
	"github.com/boxcast/coreproc/proto"
	"github.com/boxcast/coreproc/registry"
	"github.com/boxcast/coreproc/rrid"
	"github.com/boxcast/coreproc/supervisor"
	"github.com/boxcast/coreproc/topology"
	"github.com/boxcast/coreproc/worker"
)

// Future is the client-side handle to a remote result: an RRID plus
// enough context to look it up in the local registry (spec.md §7's
// Future type).
type Future struct {
	id rrid.RRID
}

// ID returns the underlying RRID this Future wraps.
func (f Future) ID() rrid.RRID { return f.id }

// Cluster is the process-local handle a program uses to issue the public
// verbs. One Cluster exists per process; Self is this process's own
// worker id.
type Cluster struct {
	Self       int64
	Table      *worker.Table
	Registry   *registry.Registry
	Engine     *call.Engine
	Topology   *topology.Manager
	Supervisor *supervisor.Supervisor
	Minter     *rrid.Minter
}

// New assembles a Cluster from its already-constructed collaborators.
func New(self int64, table *worker.Table, reg *registry.Registry, engine *call.Engine, mgr *topology.Manager, sup *supervisor.Supervisor) *Cluster {
	return &Cluster{
		Self:       self,
		Table:      table,
		Registry:   reg,
		Engine:     engine,
		Topology:   mgr,
		Supervisor: sup,
		Minter:     sup.Minter,
	}
}

func (c *Cluster) dispatcherFor(pid int64) (*dispatcherSender, error) {
	w, ok := c.Table.Lookup(pid)
	if !ok {
		return nil, fmt.Errorf("cluster: unknown worker %d", pid)
	}
	if err := w.EnsureConnected(); err != nil {
		return nil, fmt.Errorf("cluster: connecting to worker %d: %w", pid, err)
	}
	return &dispatcherSender{w: w}, nil
}

// Remotecall schedules thunk on pid and returns a Future bound to the
// eventual result, without blocking (spec.md §7 remotecall). Calling it
// against the local process is the self-call short circuit: the thunk
// still runs on its own goroutine and is bound through the very same
// registry slot a remote call would use, just without a network hop.
func (c *Cluster) Remotecall(pid int64, funcName string, args ...interface{}) (Future, error) {
	resp := c.Minter.Mint(0)
	waitingFor := pid
	if pid == c.Self {
		waitingFor = 0
	}
	if _, err := c.Registry.Register(resp, waitingFor, pid != c.Self); err != nil {
		return Future{}, err
	}

	thunk := proto.Thunk{Func: funcName, Args: args}
	if pid == c.Self {
		go c.runLocal(resp, thunk)
		return Future{id: resp}, nil
	}

	sender, err := c.dispatcherFor(pid)
	if err != nil {
		return Future{}, err
	}
	if err := sender.SendCall(resp, thunk); err != nil {
		return Future{}, err
	}
	return Future{id: resp}, nil
}

// RemotecallFetch is the blocking round trip: schedule thunk on pid and
// wait for its value, raising the remote RemoteException on failure
// (spec.md §7 remotecall_fetch).
func (c *Cluster) RemotecallFetch(pid int64, funcName string, args ...interface{}) (interface{}, error) {
	notify := c.Minter.Mint(0)
	if _, err := c.Registry.Register(notify, pid, false); err != nil {
		return nil, err
	}

	thunk := proto.Thunk{Func: funcName, Args: args}
	if pid == c.Self {
		value, exc := c.Engine.Run(thunk)
		if exc != nil {
			return nil, exc
		}
		return value, nil
	}

	sender, err := c.dispatcherFor(pid)
	if err != nil {
		return nil, err
	}
	if err := sender.SendCallFetch(notify, thunk); err != nil {
		return nil, err
	}
	v, err := c.Registry.Take(notify)
	if err != nil {
		return nil, err
	}
	if exc, ok := v.(*proto.RemoteException); ok {
		return nil, exc
	}
	return v, nil
}

// RemotecallWait schedules thunk on pid and blocks only for completion,
// discarding the value (spec.md §7 remotecall_wait).
func (c *Cluster) RemotecallWait(pid int64, funcName string, args ...interface{}) error {
	notify := c.Minter.Mint(0)
	if _, err := c.Registry.Register(notify, pid, false); err != nil {
		return err
	}

	thunk := proto.Thunk{Func: funcName, Args: args}
	if pid == c.Self {
		_, exc := c.Engine.Run(thunk)
		if exc != nil {
			return exc
		}
		return nil
	}

	sender, err := c.dispatcherFor(pid)
	if err != nil {
		return err
	}
	if err := sender.SendCallWait(notify, thunk); err != nil {
		return err
	}
	v, err := c.Registry.Take(notify)
	if err != nil {
		return err
	}
	if exc, ok := v.(*proto.RemoteException); ok {
		return exc
	}
	return nil
}

// RemoteDo fires thunk on pid with no reply expected (spec.md §7
// remote_do).
func (c *Cluster) RemoteDo(pid int64, funcName string, args ...interface{}) error {
	thunk := proto.Thunk{Func: funcName, Args: args}
	if pid == c.Self {
		go func() {
			if _, exc := c.Engine.Run(thunk); exc != nil {
				c.Supervisor.Logger.Printf("[WARN] cluster: local remote_do %s failed: %s", funcName, exc.Captured.Err)
			}
		}()
		return nil
	}
	sender, err := c.dispatcherFor(pid)
	if err != nil {
		return err
	}
	return sender.SendRemoteDo(thunk)
}

// Put stores value against f. See RemoteValue's doc comment for why
// spec.md §4.2's synctake lock has no counterpart here: this process is
// always the only one that can ever Put or Take against f's slot.
func (c *Cluster) Put(f Future, value interface{}) error {
	return c.Registry.Put(f.id, value)
}

// Take consumes and removes the value behind f, blocking while it is
// unfilled.
func (c *Cluster) Take(f Future) (interface{}, error) {
	return c.Registry.Take(f.id)
}

// Fetch peeks the value behind f without consuming it, blocking while it
// is unfilled.
func (c *Cluster) Fetch(f Future) (interface{}, error) {
	return c.Registry.Fetch(f.id)
}

func (c *Cluster) runLocal(resp rrid.RRID, thunk proto.Thunk) {
	value, exc := c.Engine.Run(thunk)
	if exc != nil {
		_ = c.Registry.Put(resp, exc)
		return
	}
	_ = c.Registry.Put(resp, value)
}
