package cluster

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/boxcast/coreproc/call"
	"github.com/boxcast/coreproc/dispatch"
	"github.com/boxcast/coreproc/proto"
	"github.com/boxcast/coreproc/registry"
	"github.com/boxcast/coreproc/rrid"
	"github.com/boxcast/coreproc/supervisor"
	"github.com/boxcast/coreproc/topology"
	"github.com/boxcast/coreproc/transport"
	"github.com/boxcast/coreproc/worker"
)

// newSelfCluster builds a Cluster with no peers wired up, for exercising
// the self-call short circuit every public verb takes when pid == Self.
func newSelfCluster(t *testing.T) *Cluster {
	t.Helper()
	table := worker.NewTable(worker.Controller)
	reg := registry.New()
	funcs := call.NewRegistry()
	funcs.Register("double", func(args []interface{}) (interface{}, error) {
		return args[0].(int) * 2, nil
	})
	funcs.Register("boom", func(args []interface{}) (interface{}, error) {
		return nil, errors.New("kaboom")
	})
	engine := call.NewEngine(funcs, worker.Controller)
	minter := rrid.NewMinter(worker.Controller)
	mgr := topology.New(table, reg, nil, minter, engine)
	var cookie [transport.HDRCookieLen]byte
	sup := supervisor.New(table, reg, engine, mgr, cookie, true)

	return New(worker.Controller, table, reg, engine, mgr, sup)
}

func TestRemotecallFetchSelf(t *testing.T) {
	c := newSelfCluster(t)
	v, err := c.RemotecallFetch(worker.Controller, "double", 21)
	if err != nil {
		t.Fatalf("RemotecallFetch: %v", err)
	}
	if v != 42 {
		t.Fatalf("expected 42, got %v", v)
	}
}

func TestRemotecallFetchSelfException(t *testing.T) {
	c := newSelfCluster(t)
	_, err := c.RemotecallFetch(worker.Controller, "boom")
	if err == nil {
		t.Fatalf("expected an error from a failing thunk")
	}
	if _, ok := err.(*proto.RemoteException); !ok {
		t.Fatalf("expected *proto.RemoteException, got %T", err)
	}
}

func TestRemotecallWaitSelf(t *testing.T) {
	c := newSelfCluster(t)
	if err := c.RemotecallWait(worker.Controller, "double", 2); err != nil {
		t.Fatalf("RemotecallWait: %v", err)
	}
}

func TestRemotecallSelfThenTakeViaFuture(t *testing.T) {
	c := newSelfCluster(t)
	f, err := c.Remotecall(worker.Controller, "double", 10)
	if err != nil {
		t.Fatalf("Remotecall: %v", err)
	}
	v, err := c.Take(f)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if v != 20 {
		t.Fatalf("expected 20, got %v", v)
	}
}

func TestFetchDoesNotConsume(t *testing.T) {
	c := newSelfCluster(t)
	f, err := c.Remotecall(worker.Controller, "double", 5)
	if err != nil {
		t.Fatalf("Remotecall: %v", err)
	}
	// Give the self-call goroutine a moment to land its Put.
	time.Sleep(20 * time.Millisecond)

	v1, err := c.Fetch(f)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	v2, err := c.Take(f)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if v1 != v2 {
		t.Fatalf("expected Fetch and Take to observe the same value, got %v and %v", v1, v2)
	}
}

func TestRemoteDoSelfDoesNotBlock(t *testing.T) {
	c := newSelfCluster(t)
	if err := c.RemoteDo(worker.Controller, "double", 1); err != nil {
		t.Fatalf("RemoteDo: %v", err)
	}
}

// pairedClusters wires two Clusters over a net.Pipe, with ctrl as the
// controller (id 1) and wrk as worker 2, so Remotecall* against a remote
// pid exercises the real wire path rather than the self-call short
// circuit.
func pairedClusters(t *testing.T) (ctrl *Cluster, wrkReg *registry.Registry) {
	t.Helper()
	a, b := net.Pipe()

	ctrlTable := worker.NewTable(worker.Controller)
	wrkTable := worker.NewTable(2)
	ctrlReg := registry.New()
	wrkReg = registry.New()

	ctrlFuncs := call.NewRegistry()
	wrkFuncs := call.NewRegistry()
	// Arguments arrive msgpack-decoded, so integers are int64 here.
	wrkFuncs.Register("double", func(args []interface{}) (interface{}, error) {
		return args[0].(int64) * 2, nil
	})

	ctrlEngine := call.NewEngine(ctrlFuncs, worker.Controller)
	wrkEngine := call.NewEngine(wrkFuncs, 2)
	ctrlMinter := rrid.NewMinter(worker.Controller)
	wrkMinter := rrid.NewMinter(2)

	ctrlMgr := topology.New(ctrlTable, ctrlReg, nil, ctrlMinter, ctrlEngine)
	wrkMgr := topology.New(wrkTable, wrkReg, nil, wrkMinter, wrkEngine)

	var cookie [transport.HDRCookieLen]byte
	ctrlSup := supervisor.New(ctrlTable, ctrlReg, ctrlEngine, ctrlMgr, cookie, true)
	wrkSup := supervisor.New(wrkTable, wrkReg, wrkEngine, wrkMgr, cookie, false)

	wPeer := worker.New(2)
	wPeer.RStream, wPeer.WStream = a, a
	wPeer.ForceState(worker.Connected)
	if err := ctrlTable.Register(wPeer); err != nil {
		t.Fatalf("register peer: %v", err)
	}

	ctrlDispatcher := &dispatch.Dispatcher{
		Codec:    transport.NewFrameCodec(a, a),
		Table:    ctrlTable,
		Registry: ctrlReg,
		Engine:   ctrlEngine,
		Minter:   ctrlMinter,
		Hooks:    ctrlSup.Hooks(),
		Incoming: false,
		PeerID:   2,
	}
	wrkDispatcher := &dispatch.Dispatcher{
		Codec:    transport.NewFrameCodec(b, b),
		Table:    wrkTable,
		Registry: wrkReg,
		Engine:   wrkEngine,
		Minter:   wrkMinter,
		Hooks:    wrkSup.Hooks(),
		Incoming: true,
		Stream:   b,
	}

	go wrkDispatcher.Run()
	go ctrlDispatcher.Run()

	if err := ctrlDispatcher.SendIdentifySocket(worker.Controller); err != nil {
		t.Fatalf("send identify: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	ctrl = New(worker.Controller, ctrlTable, ctrlReg, ctrlEngine, ctrlMgr, ctrlSup)
	return ctrl, wrkReg
}

func TestRemotecallFetchRemote(t *testing.T) {
	ctrl, _ := pairedClusters(t)
	v, err := ctrl.RemotecallFetch(2, "double", 7)
	if err != nil {
		t.Fatalf("RemotecallFetch: %v", err)
	}
	if v != int64(14) {
		t.Fatalf("expected 14, got %v", v)
	}
}

func TestRemotecallRemoteThenTake(t *testing.T) {
	ctrl, _ := pairedClusters(t)
	f, err := ctrl.Remotecall(2, "double", 3)
	if err != nil {
		t.Fatalf("Remotecall: %v", err)
	}
	v, err := ctrl.Take(f)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if v != int64(6) {
		t.Fatalf("expected 6, got %v", v)
	}
}

func TestDispatcherForUnknownWorker(t *testing.T) {
	c := newSelfCluster(t)
	_, err := c.RemotecallFetch(99, "double", 1)
	if err == nil {
		t.Fatalf("expected an error for an unregistered worker")
	}
}
