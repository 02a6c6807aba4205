// Package supervisor implements the Supervisor (spec.md §4.5, §7):
// accepting new peer connections, registering/deregistering workers,
// aborting pending RemoteValues on peer death, and the controller-only
// rmprocs operation. It additionally runs an optional memberlist gossip
// cluster as a faster-than-TCP-EOF failure signal.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/logutils"
	"github.com/hashicorp/memberlist"

	"github.com/boxcast/coreproc/call"
	"github.com/boxcast/coreproc/dispatch"
	"github.com/boxcast/coreproc/proto"
	"github.com/boxcast/coreproc/registry"
	"github.com/boxcast/coreproc/rrid"
	"github.com/boxcast/coreproc/topology"
	"github.com/boxcast/coreproc/transport"
	"github.com/boxcast/coreproc/worker"
)

// Supervisor owns the accept loop for one process and the cross-cutting
// lifecycle policy every Dispatcher defers to through Hooks.
type Supervisor struct {
	Table    *worker.Table
	Registry *registry.Registry
	Engine   *call.Engine
	Topology *topology.Manager
	// Minter is the one process-wide RRID minter, shared with Topology so
	// every frame this process sends — whether from a dispatcher replying
	// inline or the public cluster verbs — draws from a single counter
	// (spec.md §8 invariant 1: no two RRIDs minted by one process collide).
	Minter   *rrid.Minter
	Cookie   [transport.HDRCookieLen]byte
	Logger   *log.Logger

	// Launcher receives the register/deregister lifecycle hooks spec.md
	// §6 names (Launcher.Manage), if set. Left nil, AdmitWorker/
	// DeregisterWorker simply skip the hook — no Launcher has any
	// process-external state to maintain without one.
	Launcher transport.Launcher

	// GossipBindAddr/GossipBindPort/GossipSeeds configure the optional
	// memberlist failure detector. Left GossipBindAddr empty, no gossip
	// node is ever started and stream EOF remains the only detector.
	// The controller knows its own worker id at construction time and
	// can join immediately; a worker doesn't learn its id until
	// JoinPGRP arrives, so Hooks wraps OnJoinPGRP to join right after
	// that's assigned.
	GossipBindAddr string
	GossipBindPort int
	GossipSeeds    []string

	IsController bool

	memberlist *memberlist.Memberlist
	mlEvents   *eventDelegate
	nextWorker int64
}

// NewLogger builds the teacher's own leveled-logging idiom: a
// logutils.LevelFilter wrapping sink (stderr by default, or a go-syslog
// writer when the caller passes one), passing lines at minLevel or above.
// minLevel has no default here; the coreprocd subcommands pass INFO
// unless -log-level says otherwise.
func NewLogger(minLevel string, sink io.Writer) *log.Logger {
	if sink == nil {
		sink = os.Stderr
	}
	filter := &logutils.LevelFilter{
		Levels:   []logutils.LogLevel{"TRACE", "DEBUG", "INFO", "WARN", "ERR"},
		MinLevel: logutils.LogLevel(minLevel),
		Writer:   sink,
	}
	return log.New(filter, "", log.LstdFlags)
}

// New returns a Supervisor for one process.
func New(table *worker.Table, reg *registry.Registry, engine *call.Engine, mgr *topology.Manager, cookie [transport.HDRCookieLen]byte, isController bool) *Supervisor {
	mgr.Cookie = cookie
	return &Supervisor{
		Table:        table,
		Registry:     reg,
		Engine:       engine,
		Topology:     mgr,
		Minter:       mgr.Minter,
		Cookie:       cookie,
		Logger:       log.New(os.Stderr, "", log.LstdFlags),
		IsController: isController,
		nextWorker:   worker.Controller,
	}
}

// NextWorkerID hands out the next unused worker id, for the controller to
// assign to a freshly launched process before admitting it.
func (s *Supervisor) NextWorkerID() int64 {
	return atomic.AddInt64(&s.nextWorker, 1)
}

// AdmitWorker is the controller-only register_worker operation
// (spec.md §4.5): obtain a duplex stream to a freshly launched or
// discovered process via launcher, pre-register it under id, and hand it
// the process group's shape over JoinPGRP. otherWorkers should list every
// already-admitted, network-reachable peer so id can apply the requested
// mesh topology on its end.
func (s *Supervisor) AdmitWorker(ctx context.Context, launcher transport.Launcher, id int64, cfg worker.Config, otherWorkers []proto.OtherWorker) error {
	if !s.IsController {
		return fmt.Errorf("supervisor: AdmitWorker is controller-only")
	}
	r, wr, err := launcher.Connect(ctx, id, cfg)
	if err != nil {
		return fmt.Errorf("supervisor: connecting to worker %d: %w", id, err)
	}

	w := worker.New(id)
	w.RStream, w.WStream = r, wr
	w.Config = cfg
	w.ForceState(worker.Connecting)
	if err := s.Table.Register(w); err != nil {
		return err
	}
	if err := launcher.Manage(id, cfg, transport.OpRegister); err != nil {
		s.Logger.Printf("[WARN] supervisor: Manage(register) for worker %d: %v", id, err)
	}

	d := &dispatch.Dispatcher{
		Codec:          transport.NewFrameCodec(r, wr),
		Table:          s.Table,
		Registry:       s.Registry,
		Engine:         s.Engine,
		Minter:         s.Minter,
		Logger:         s.Logger,
		Hooks:          s.Hooks(),
		PeerID:         id,
		ExpectedCookie: s.Cookie,
	}
	go func() {
		if err := d.Run(); err != nil {
			s.Logger.Printf("[WARN] supervisor: dispatcher for worker %d exited: %v", id, err)
		}
	}()

	body := &proto.JoinPGRPBody{
		SelfPID:            id,
		OtherWorkers:       otherWorkers,
		Topology:           cfg.Topology,
		Lazy:               cfg.Lazy,
		EnableThreadedBLAS: cfg.EnableThreadedBLAS,
	}
	// replyTo must be non-null: it becomes the new worker's JoinComplete
	// ResponseOID, and replyJoinComplete drops a null notify target
	// on the floor instead of replying, which would leave
	// WaitInitialized below blocked forever.
	replyTo := s.Minter.Mint(0)
	if err := d.SendJoinPGRP(replyTo, body); err != nil {
		return err
	}
	w.WaitInitialized()
	return nil
}

// Hooks returns the dispatch.Hooks this Supervisor layers on top of the
// Topology Manager's: OnPeerFailed is set to onPeerFailed, which runs
// DeregisterWorker (and exits a worker that lost the controller).
// OnJoinPGRP additionally starts the gossip node once this process's own
// id is assigned, since a worker can't advertise a memberlist identity
// before then.
func (s *Supervisor) Hooks() dispatch.Hooks {
	h := s.Topology.Hooks()
	inner := h.OnJoinPGRP
	h.OnJoinPGRP = func(hdr proto.WireHeader, body *proto.JoinPGRPBody, d *dispatch.Dispatcher) (int64, error) {
		selfID, err := inner(hdr, body, d)
		if err == nil {
			s.JoinGossipIfConfigured()
		}
		return selfID, err
	}
	h.OnPeerFailed = s.onPeerFailed
	return h
}

// JoinGossipIfConfigured starts the memberlist failure detector if
// GossipBindAddr is set and it isn't already running. Safe to call
// more than once — idempotent once a gossip node is up.
func (s *Supervisor) JoinGossipIfConfigured() {
	if s.GossipBindAddr == "" || s.memberlist != nil {
		return
	}
	if err := s.JoinGossipCluster(s.GossipBindAddr, s.GossipBindPort, s.GossipSeeds); err != nil {
		s.Logger.Printf("[WARN] supervisor: joining gossip cluster: %v", err)
	}
}

// Accept runs the inbound connection accept loop on ln until ctx is
// cancelled, spawning one Dispatcher per accepted connection.
func (s *Supervisor) Accept(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return err
		}
		go s.serve(conn)
	}
}

func (s *Supervisor) serve(conn net.Conn) {
	d := &dispatch.Dispatcher{
		Codec:          transport.NewFrameCodec(conn, conn),
		Table:          s.Table,
		Registry:       s.Registry,
		Engine:         s.Engine,
		Minter:         s.Minter,
		Logger:         s.Logger,
		Hooks:          s.Hooks(),
		Incoming:       true,
		ExpectedCookie: s.Cookie,
		Stream:         conn,
	}
	if err := d.Run(); err != nil {
		s.Logger.Printf("[WARN] supervisor: connection from %s ended: %v", conn.RemoteAddr(), err)
	}
}

// onPeerFailed implements register_worker/deregister_worker's failure
// half (spec.md §4.5): deregister the dead peer, abort everything that
// was waiting on it, and — if the controller connection itself just
// died — escalate per spec.md §9's fatal-error rule (exit(1) on a
// worker; `rmprocs` continues running on the controller, since it has no
// single upstream to lose).
func (s *Supervisor) onPeerFailed(peerID int64, cause error, graceful bool) {
	if peerID <= 0 {
		return
	}
	if graceful {
		s.Logger.Printf("[INFO] supervisor: worker %d terminated gracefully", peerID)
	} else {
		s.Logger.Printf("[WARN] supervisor: worker %d failed: %v", peerID, cause)
	}

	s.DeregisterWorker(peerID)

	if !s.IsController && peerID == worker.Controller {
		s.Logger.Printf("[ERR] supervisor: lost controller connection, exiting")
		os.Exit(1)
	}
}

// DeregisterWorker removes peerID from the table and aborts every
// RemoteValue that was waiting on it with a peer-died RemoteException
// (spec.md §8 invariant 6, scenario 4). Idempotent.
func (s *Supervisor) DeregisterWorker(peerID int64) {
	cfg := worker.Config{}
	if w, ok := s.Table.Lookup(peerID); ok {
		cfg = w.Config
	}

	abort := func(dead int64) {
		s.Registry.Abort(dead, call.PeerDied(dead))
	}
	if err := s.Table.Deregister(peerID, abort); err != nil && err != worker.ErrNotFound {
		s.Logger.Printf("[ERR] supervisor: deregistering worker %d: %v", peerID, err)
	}

	if s.Launcher != nil {
		if err := s.Launcher.Manage(peerID, cfg, transport.OpDeregister); err != nil {
			s.Logger.Printf("[WARN] supervisor: Manage(deregister) for worker %d: %v", peerID, err)
		}
	}
}

// Rmprocs is the controller-only operation that tears down a set of
// workers: ask each one's Launcher to Kill it, then deregister.
func (s *Supervisor) Rmprocs(ctx context.Context, launcher transport.Launcher, ids []int64) error {
	if !s.IsController {
		return fmt.Errorf("supervisor: rmprocs is controller-only")
	}
	var wg sync.WaitGroup
	for _, id := range ids {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			w, ok := s.Table.Lookup(id)
			if !ok {
				return
			}
			w.SetState(w.State(), worker.Terminating)
			if launcher != nil {
				if err := launcher.Kill(id, w.Config); err != nil {
					s.Logger.Printf("[WARN] supervisor: kill worker %d: %v", id, err)
				}
			}
			s.DeregisterWorker(id)
		}()
	}
	wg.Wait()
	return nil
}

// SendCall, SendCallFetch, SendCallWait, SendRemoteDo, and the
// put/take/fetch verbs live in package cluster, which composes a
// Supervisor with a Topology Manager and a local RRID Minter into the
// public API spec.md §1/§4.3 describes.
