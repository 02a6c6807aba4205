package topology

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/boxcast/coreproc/call"
	"github.com/boxcast/coreproc/dispatch"
	"github.com/boxcast/coreproc/proto"
	"github.com/boxcast/coreproc/registry"
	"github.com/boxcast/coreproc/rrid"
	"github.com/boxcast/coreproc/transport"
	"github.com/boxcast/coreproc/worker"
)

// pipeLauncher hands out one pre-wired net.Pipe half per pid, failing any
// Connect for a pid it wasn't primed with. Launch/Manage/Kill are unused
// by these tests.
type pipeLauncher struct {
	conns map[int64]net.Conn
}

func (l *pipeLauncher) Connect(ctx context.Context, pid int64, cfg worker.Config) (io.ReadCloser, io.WriteCloser, error) {
	conn, ok := l.conns[pid]
	if !ok {
		return nil, nil, errors.New("pipeLauncher: no connection primed for pid")
	}
	return conn, conn, nil
}
func (l *pipeLauncher) Launch(ctx context.Context, params transport.LaunchParams, out chan<- worker.Config) error {
	close(out)
	return nil
}
func (l *pipeLauncher) Manage(id int64, cfg worker.Config, op transport.Op) error { return nil }
func (l *pipeLauncher) Kill(pid int64, cfg worker.Config) error                   { return nil }

func newManager(t *testing.T, launcher transport.Launcher, selfID int64) *Manager {
	t.Helper()
	table := worker.NewTable(selfID)
	reg := registry.New()
	funcs := call.NewRegistry()
	engine := call.NewEngine(funcs, selfID)
	minter := rrid.NewMinter(selfID)
	return New(table, reg, launcher, minter, engine)
}

func TestApplyTopologyMasterWorkerSkipsConnect(t *testing.T) {
	launcher := &pipeLauncher{conns: map[int64]net.Conn{}} // no pid primed; any Connect call fails the test
	mgr := newManager(t, launcher, 2)

	body := &proto.JoinPGRPBody{
		Topology:     MasterWorker,
		OtherWorkers: []proto.OtherWorker{{RPID: 3, ConnectAt: "irrelevant"}},
	}
	if err := mgr.applyTopology(context.Background(), body); err != nil {
		t.Fatalf("master_worker topology should never dial peers: %v", err)
	}
	if _, ok := mgr.Table.Lookup(3); ok {
		t.Fatalf("master_worker topology must not register any peer besides the controller")
	}
}

func TestApplyTopologyUnknownRejected(t *testing.T) {
	mgr := newManager(t, &pipeLauncher{conns: map[int64]net.Conn{}}, 2)
	err := mgr.applyTopology(context.Background(), &proto.JoinPGRPBody{Topology: "not-a-real-topology"})
	if err == nil {
		t.Fatalf("expected an error for an unrecognized topology")
	}
}

func TestPlaceLazyDoesNotConnectUntilEnsureConnected(t *testing.T) {
	launcher := &pipeLauncher{conns: map[int64]net.Conn{}} // Connect would fail if ever called
	mgr := newManager(t, launcher, 2)

	mgr.placeLazy(context.Background(), proto.OtherWorker{RPID: 5, ConnectAt: "host:1"})

	w, ok := mgr.Table.Lookup(5)
	if !ok {
		t.Fatalf("expected a lazy placeholder to be registered")
	}
	if w.Connector == nil {
		t.Fatalf("expected the placeholder to carry a deferred Connector")
	}
	if w.State() != worker.Created {
		t.Fatalf("expected a lazy placeholder to stay Created until first use, got %s", w.State())
	}
}

// remotePeerDispatcher spins up a Dispatcher on conn as the "other side" of
// an eager connect, the way a freshly accepted worker process would:
// Incoming, with no hooks, so handleIdentifySocket's own ack path fires.
func remotePeerDispatcher(conn net.Conn, selfID int64) *dispatch.Dispatcher {
	table := worker.NewTable(selfID)
	reg := registry.New()
	funcs := call.NewRegistry()
	engine := call.NewEngine(funcs, selfID)
	minter := rrid.NewMinter(selfID)
	return &dispatch.Dispatcher{
		Codec:    transport.NewFrameCodec(conn, conn),
		Table:    table,
		Registry: reg,
		Engine:   engine,
		Minter:   minter,
		Incoming: true,
		Stream:   conn,
	}
}

func TestConnectEagerRegistersAndInitializes(t *testing.T) {
	a, b := net.Pipe()
	launcher := &pipeLauncher{conns: map[int64]net.Conn{3: a}}
	mgr := newManager(t, launcher, 2)

	peer := remotePeerDispatcher(b, 3)
	go peer.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- mgr.connectEager(context.Background(), []proto.OtherWorker{{RPID: 3, ConnectAt: "host:1"}})
	}()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("connectEager: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for connectEager")
	}

	w, ok := mgr.Table.Lookup(3)
	if !ok {
		t.Fatalf("expected worker 3 to be registered after connectEager")
	}
	if !w.Initialized() {
		t.Fatalf("expected worker 3 to be marked initialized after the identify/ack exchange")
	}
}

func TestOnJoinPGRPAdoptsSelfID(t *testing.T) {
	mgr := newManager(t, &pipeLauncher{conns: map[int64]net.Conn{}}, 0)

	a, b := net.Pipe()
	defer b.Close()
	d := &dispatch.Dispatcher{
		Codec:  transport.NewFrameCodec(a, a),
		Table:  mgr.Table,
		Stream: a,
	}

	body := &proto.JoinPGRPBody{SelfPID: 7, Topology: MasterWorker}
	if _, err := mgr.onJoinPGRP(proto.WireHeader{}, body, d); err != nil {
		t.Fatalf("onJoinPGRP: %v", err)
	}

	if mgr.Table.SelfID() != 7 {
		t.Fatalf("expected Table.SelfID() to adopt 7, got %d", mgr.Table.SelfID())
	}
	if mgr.Engine.SelfID != 7 {
		t.Fatalf("expected Engine.SelfID to adopt 7, got %d", mgr.Engine.SelfID)
	}
	minted := mgr.Minter.Mint(0)
	if minted.Whence != 7 {
		t.Fatalf("expected the shared Minter to stamp Whence=7 after JoinPGRP, got %d", minted.Whence)
	}
	if w, ok := mgr.Table.Lookup(worker.Controller); !ok || w.State() != worker.Connected {
		t.Fatalf("expected the controller to be registered as Connected")
	}
}
