// Package topology implements the Topology Manager (spec.md §4.6): the
// JoinPGRP/JoinComplete handshake a freshly launched worker goes through,
// and the mesh-formation policy (all_to_all, master_worker, custom, lazy)
// applied once a worker knows the rest of the process group.
//
// It plugs into dispatch.Dispatcher through dispatch.Hooks so neither
// package imports the other.
package topology

import (
	"context"
	"fmt"
	"log"
	"os"
	"runtime"
	"sync"

	multierror "github.com/hashicorp/go-multierror"

	"github.com/boxcast/coreproc/call"
	"github.com/boxcast/coreproc/config"
	"github.com/boxcast/coreproc/dispatch"
	"github.com/boxcast/coreproc/proto"
	"github.com/boxcast/coreproc/registry"
	"github.com/boxcast/coreproc/rrid"
	"github.com/boxcast/coreproc/transport"
	"github.com/boxcast/coreproc/worker"
)

const (
	AllToAll     = "all_to_all"
	MasterWorker = "master_worker"
	Custom       = "custom"
)

// Manager owns one process's worker table and drives mesh formation for
// it. The controller (worker id 1) and every worker share the same
// Manager type; which role a given process plays only affects which
// Dispatcher hooks actually fire.
type Manager struct {
	Table    *worker.Table
	Registry *registry.Registry
	Launcher transport.Launcher
	Minter   *rrid.Minter
	Engine   *call.Engine
	Logger   *log.Logger

	// Cookie is the cluster shared-secret, written as the handshake on
	// every outbound peer-to-peer connection this Manager dials.
	Cookie [transport.HDRCookieLen]byte

	mu     sync.Mutex
	config worker.Config
}

// New returns a Manager bound to table/reg, using launcher to establish
// new peer-to-peer streams during mesh formation. engine serves thunks
// that arrive over any connection this Manager dials.
func New(table *worker.Table, reg *registry.Registry, launcher transport.Launcher, minter *rrid.Minter, engine *call.Engine) *Manager {
	logger := log.New(os.Stderr, "", log.LstdFlags)
	return &Manager{Table: table, Registry: reg, Launcher: launcher, Minter: minter, Engine: engine, Logger: logger}
}

// Hooks returns the dispatch.Hooks this Manager implements, for wiring
// into every Dispatcher the process runs.
func (m *Manager) Hooks() dispatch.Hooks {
	return dispatch.Hooks{
		OnJoinPGRP:     m.onJoinPGRP,
		OnJoinComplete: m.onJoinComplete,
	}
}

// onJoinPGRP runs on a freshly accepted worker process the very first
// time it hears from the controller: adopt the assigned id, record the
// controller as worker 1, and apply the requested topology.
func (m *Manager) onJoinPGRP(hdr proto.WireHeader, body *proto.JoinPGRPBody, d *dispatch.Dispatcher) (int64, error) {
	m.Table.SetSelfID(body.SelfPID)
	if m.Engine != nil {
		m.Engine.SetSelfID(body.SelfPID)
	}
	if m.Minter != nil {
		m.Minter.SetWhence(body.SelfPID)
	}

	cfg, err := config.Decode(map[string]interface{}{
		"Topology":           body.Topology,
		"Lazy":               body.Lazy,
		"EnableThreadedBLAS": body.EnableThreadedBLAS,
	})
	if err != nil {
		return 0, fmt.Errorf("topology: decoding JoinPGRP config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return 0, fmt.Errorf("topology: rejecting JoinPGRP config: %w", err)
	}

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()

	ctrl := worker.New(worker.Controller)
	if d.Stream != nil {
		ctrl.RStream, ctrl.WStream = d.Stream, d.Stream
	}
	ctrl.ForceState(worker.Connected)
	if err := m.Table.Register(ctrl); err != nil {
		if existing, ok := m.Table.Lookup(worker.Controller); ok {
			ctrl = existing
		}
	}
	ctrl.MarkInitialized()

	if err := m.applyTopology(context.Background(), body); err != nil {
		return 0, err
	}

	reply := &proto.JoinCompleteBody{CPUThreads: runtime.NumCPU(), OSPID: os.Getpid()}
	go m.replyJoinComplete(d, hdr, reply)

	return body.SelfPID, nil
}

func (m *Manager) replyJoinComplete(d *dispatch.Dispatcher, hdr proto.WireHeader, body *proto.JoinCompleteBody) {
	if hdr.NotifyOID.IsNull() {
		return
	}
	if err := d.SendJoinComplete(hdr.NotifyOID, body); err != nil {
		m.Logger.Printf("[ERR] topology: sending JoinComplete: %v", err)
	}
}

// applyTopology connects this worker to the rest of the process group
// per body.Topology. all_to_all and custom dial every listed peer, and
// master_worker dials none. Without Lazy the dials run eagerly in
// parallel (errors aggregated with multierror); with Lazy each peer gets a
// placeholder Worker with a Connector that dials on first use
// (spec.md §4.6).
func (m *Manager) applyTopology(ctx context.Context, body *proto.JoinPGRPBody) error {
	var toConnect []proto.OtherWorker
	switch body.Topology {
	case MasterWorker:
		toConnect = nil // a worker only ever talks to the controller
	case AllToAll, Custom, "":
		toConnect = body.OtherWorkers
	default:
		return fmt.Errorf("topology: unknown topology %q", body.Topology)
	}

	if body.Lazy {
		for _, ow := range toConnect {
			m.placeLazy(ctx, ow)
		}
		return nil
	}
	return m.connectEager(ctx, toConnect)
}

func (m *Manager) placeLazy(ctx context.Context, ow proto.OtherWorker) {
	w := worker.New(ow.RPID)
	cfg := m.snapshotConfig()
	cfg.Env = map[string]string{"addr": ow.ConnectAt}
	w.Config = cfg
	w.Connector = func() error {
		return m.dialAndRegister(ctx, ow.RPID, cfg, w)
	}
	if err := m.Table.Register(w); err != nil {
		m.Logger.Printf("[WARN] topology: lazy placeholder for %d already registered: %v", ow.RPID, err)
	}
}

func (m *Manager) connectEager(ctx context.Context, workers []proto.OtherWorker) error {
	var wg sync.WaitGroup
	errs := make(chan error, len(workers))
	for _, ow := range workers {
		ow := ow
		wg.Add(1)
		go func() {
			defer wg.Done()
			cfg := m.snapshotConfig()
			cfg.Env = map[string]string{"addr": ow.ConnectAt}
			w := worker.New(ow.RPID)
			if err := m.dialAndRegister(ctx, ow.RPID, cfg, w); err != nil {
				errs <- fmt.Errorf("worker %d: %w", ow.RPID, err)
			}
		}()
	}
	wg.Wait()
	close(errs)

	var result *multierror.Error
	for err := range errs {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func (m *Manager) dialAndRegister(ctx context.Context, pid int64, cfg worker.Config, w *worker.Worker) error {
	r, wr, err := m.Launcher.Connect(ctx, pid, cfg)
	if err != nil {
		return err
	}
	w.RStream, w.WStream = r, wr
	w.Config = cfg
	w.ForceState(worker.Connecting)
	if err := m.Table.Register(w); err != nil {
		if existing, ok := m.Table.Lookup(pid); ok && existing.Connector != nil {
			existing.RStream, existing.WStream = r, wr
			existing.ForceState(worker.Connecting)
			w = existing
		} else {
			return err
		}
	}

	d := &dispatch.Dispatcher{
		Codec:          transport.NewFrameCodec(r, wr),
		Table:          m.Table,
		Registry:       m.Registry,
		Engine:         m.Engine,
		Minter:         m.Minter,
		Hooks:          m.Hooks(),
		PeerID:         pid,
		ExpectedCookie: m.Cookie,
	}
	go func() {
		if err := d.Run(); err != nil {
			m.Logger.Printf("[WARN] topology: dispatcher for worker %d exited: %v", pid, err)
		}
	}()

	if err := d.SendIdentifySocket(m.Table.SelfID()); err != nil {
		return err
	}
	w.WaitInitialized()
	return nil
}

// onJoinComplete runs on the controller side once a newly joined worker
// confirms it has applied the requested topology.
func (m *Manager) onJoinComplete(fromPeer int64, hdr proto.WireHeader, body *proto.JoinCompleteBody) {
	if w, ok := m.Table.Lookup(fromPeer); ok {
		w.ForceState(worker.Connected)
		w.MarkInitialized()
	}
}

func (m *Manager) snapshotConfig() worker.Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config
}
