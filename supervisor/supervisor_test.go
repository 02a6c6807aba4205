package supervisor

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
	"github.com/boxcast/coreproc/topology"
	"github.com/boxcast/coreproc/transport"
	"github.com/boxcast/coreproc/worker"
)

// pipeLauncher hands out one pre-wired net.Pipe half per pid; Connect for
// any other pid fails the test rather than hanging.
type pipeLauncher struct {
	conns map[int64]net.Conn
	kills map[int64]bool
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
func (l *pipeLauncher) Kill(pid int64, cfg worker.Config) error {
	if l.kills == nil {
		l.kills = map[int64]bool{}
	}
	l.kills[pid] = true
	return nil
}

func newSupervisor(t *testing.T, launcher transport.Launcher, selfID int64, isController bool) *Supervisor {
	t.Helper()
	table := worker.NewTable(selfID)
	reg := registry.New()
	funcs := call.NewRegistry()
	engine := call.NewEngine(funcs, selfID)
	minter := rrid.NewMinter(selfID)
	mgr := topology.New(table, reg, launcher, minter, engine)
	var cookie [transport.HDRCookieLen]byte
	return New(table, reg, engine, mgr, cookie, isController)
}

func TestNextWorkerIDIncrementsFromController(t *testing.T) {
	sup := newSupervisor(t, &pipeLauncher{}, worker.Controller, true)
	first := sup.NextWorkerID()
	second := sup.NextWorkerID()
	if first != worker.Controller+1 || second != first+1 {
		t.Fatalf("expected consecutive ids after the controller, got %d then %d", first, second)
	}
}

func TestRmprocsRejectsNonController(t *testing.T) {
	sup := newSupervisor(t, &pipeLauncher{}, 2, false)
	if err := sup.Rmprocs(context.Background(), nil, []int64{3}); err == nil {
		t.Fatalf("expected Rmprocs to refuse on a non-controller")
	}
}

func TestAdmitWorkerRejectsNonController(t *testing.T) {
	sup := newSupervisor(t, &pipeLauncher{}, 2, false)
	err := sup.AdmitWorker(context.Background(), &pipeLauncher{}, 3, worker.Config{}, nil)
	if err == nil {
		t.Fatalf("expected AdmitWorker to refuse on a non-controller")
	}
}

func TestDeregisterWorkerAbortsPendingRemoteValues(t *testing.T) {
	sup := newSupervisor(t, &pipeLauncher{}, worker.Controller, true)

	w := worker.New(5)
	if err := sup.Table.Register(w); err != nil {
		t.Fatalf("register: %v", err)
	}

	id := rrid.RRID{Whence: 5, ID: 1}
	if _, err := sup.Registry.Register(id, 5, false); err != nil {
		t.Fatalf("register remote value: %v", err)
	}

	sup.DeregisterWorker(5)

	v, err := sup.Registry.Fetch(id)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	exc, ok := v.(*proto.RemoteException)
	if !ok {
		t.Fatalf("expected a RemoteException after the owning worker died, got %T", v)
	}
	if exc.Kind != "peer-died" {
		t.Fatalf("expected kind peer-died, got %q", exc.Kind)
	}
	if _, ok := sup.Table.Lookup(5); ok {
		t.Fatalf("expected worker 5 to be removed from the table")
	}
}

func TestDeregisterWorkerIsIdempotent(t *testing.T) {
	sup := newSupervisor(t, &pipeLauncher{}, worker.Controller, true)
	w := worker.New(9)
	if err := sup.Table.Register(w); err != nil {
		t.Fatalf("register: %v", err)
	}
	sup.DeregisterWorker(9)
	sup.DeregisterWorker(9) // must not panic or error audibly
	if !sup.Table.IsDeleted(9) {
		t.Fatalf("expected worker 9 to be recorded deleted")
	}
}

// remoteJoinPeer runs a bare Dispatcher as the "freshly launched worker"
// side of AdmitWorker: it expects a JoinPGRP as its first frame and replies
// JoinComplete, the way topology.Manager.onJoinPGRP does for a real worker
// process.
func remoteJoinPeer(conn net.Conn) *dispatch.Dispatcher {
	table := worker.NewTable(0)
	reg := registry.New()
	funcs := call.NewRegistry()
	engine := call.NewEngine(funcs, 0)
	minter := rrid.NewMinter(0)
	mgr := topology.New(table, reg, nil, minter, engine)
	return &dispatch.Dispatcher{
		Codec:    transport.NewFrameCodec(conn, conn),
		Table:    table,
		Registry: reg,
		Engine:   engine,
		Minter:   minter,
		Hooks:    mgr.Hooks(),
		Incoming: true,
		Stream:   conn,
	}
}

func TestAdmitWorkerEndToEnd(t *testing.T) {
	a, b := net.Pipe()
	launcher := &pipeLauncher{conns: map[int64]net.Conn{2: a}}
	sup := newSupervisor(t, launcher, worker.Controller, true)

	peer := remoteJoinPeer(b)
	go peer.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- sup.AdmitWorker(context.Background(), launcher, 2, worker.Config{Topology: topology.MasterWorker}, nil)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("AdmitWorker: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for AdmitWorker")
	}

	w, ok := sup.Table.Lookup(2)
	if !ok {
		t.Fatalf("expected worker 2 to be registered")
	}
	if w.State() != worker.Connected {
		t.Fatalf("expected worker 2 to be Connected, got %s", w.State())
	}
}

func TestRmprocsKillsAndDeregisters(t *testing.T) {
	sup := newSupervisor(t, &pipeLauncher{}, worker.Controller, true)
	w := worker.New(4)
	if err := sup.Table.Register(w); err != nil {
		t.Fatalf("register: %v", err)
	}
	launcher := &pipeLauncher{}
	if err := sup.Rmprocs(context.Background(), launcher, []int64{4}); err != nil {
		t.Fatalf("rmprocs: %v", err)
	}
	if !launcher.kills[4] {
		t.Fatalf("expected Rmprocs to call Launcher.Kill for worker 4")
	}
	if _, ok := sup.Table.Lookup(4); ok {
		t.Fatalf("expected worker 4 to be deregistered")
	}
}
