package main

import (
	"context"
	"crypto/sha256"
	"flag"
	"log"
	"net"
	"strings"
	"time"

	metrics "github.com/armon/go-metrics"
	"github.com/posener/complete"

	"github.com/boxcast/coreproc/call"
	"github.com/boxcast/coreproc/config"
	"github.com/boxcast/coreproc/proto"
	"github.com/boxcast/coreproc/registry"
	"github.com/boxcast/coreproc/rrid"
	"github.com/boxcast/coreproc/supervisor"
	"github.com/boxcast/coreproc/topology"
	"github.com/boxcast/coreproc/transport"
	"github.com/boxcast/coreproc/worker"
)

// Version is the CLI's own release version, distinct from
// dispatch.Version (the wire protocol version).
const Version = "0.1.0"

// ControllerCommand boots worker id 1: accepts worker connections,
// drives JoinPGRP, and exposes the ps/rmprocs debug control plane.
type ControllerCommand struct {
	RunID string
}

func (c *ControllerCommand) Help() string {
	return "Usage: coreprocd controller [-bind addr] [-debug-bind addr] [-cookie secret] [-topology all_to_all|master_worker|custom] [-lazy] [-nprocs N] [-max-parallel N] [-log-level LEVEL] [-syslog tag] [-gossip-bind addr] [-gossip-port N] [-gossip-seeds host:port,...]"
}

func (c *ControllerCommand) Synopsis() string {
	return "Start the cluster controller (worker id 1)"
}

func (c *ControllerCommand) AutocompleteFlags() complete.Flags {
	return complete.Flags{
		"-topology":   complete.PredictSet(topology.AllToAll, topology.MasterWorker, topology.Custom),
		"-lazy":       complete.PredictNothing,
		"-bind":       complete.PredictAnything,
		"-debug-bind": complete.PredictAnything,
		"-cookie":     complete.PredictAnything,
		"-nprocs":       complete.PredictAnything,
		"-max-parallel": complete.PredictAnything,
		"-worker-exe": complete.PredictFiles("*"),
		"-log-level":  complete.PredictSet("TRACE", "DEBUG", "INFO", "WARN", "ERR"),
		"-syslog":     complete.PredictAnything,
		"-gossip-bind": complete.PredictAnything,
		"-gossip-port": complete.PredictAnything,
		"-gossip-seeds": complete.PredictAnything,
	}
}

func (c *ControllerCommand) AutocompleteArgs() complete.Predictor { return complete.PredictNothing }

func (c *ControllerCommand) Run(args []string) int {
	fs := flag.NewFlagSet("controller", flag.ContinueOnError)
	bind := fs.String("bind", "127.0.0.1:7470", "address to accept worker connections on")
	debugBind := fs.String("debug-bind", "127.0.0.1:7471", "address to expose the ps/rmprocs debug control plane on")
	cookie := fs.String("cookie", "coreproc-dev-cookie", "cluster shared-secret cookie")
	topologyName := fs.String("topology", topology.AllToAll, "all_to_all | master_worker | custom")
	lazy := fs.Bool("lazy", false, "defer peer-to-peer connects until first use")
	nprocs := fs.Int("nprocs", 1, "number of worker processes to launch locally")
	maxParallel := fs.Int("max-parallel", 1, "max_parallel knob, validated and recorded in every locally launched worker's config (not sent to the worker)")
	workerExe := fs.String("worker-exe", "", "path to the worker executable (LocalLauncher); empty disables local launch")
	logLevel := fs.String("log-level", "INFO", "TRACE | DEBUG | INFO | WARN | ERR")
	syslogTag := fs.String("syslog", "", "send logs to the local syslog daemon under this tag instead of stderr")
	gossipBind := fs.String("gossip-bind", "", "bind address for the memberlist failure detector; empty disables gossip")
	gossipPort := fs.Int("gossip-port", 7472, "bind port for the memberlist failure detector")
	gossipSeeds := fs.String("gossip-seeds", "", "comma-separated host:port list of existing gossip members to join")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	logger, err := buildLogger(*logLevel, *syslogTag)
	if err != nil {
		return 1
	}
	logger.Printf("[INFO] coreprocd controller starting, run_id=%s", c.RunID)

	sink := metrics.NewInmemSink(10*time.Second, time.Minute)
	metricsCfg := metrics.DefaultConfig("coreprocd")
	metricsCfg.EnableHostname = false
	metricsCfg.EnableRuntimeMetrics = false
	if _, err := metrics.NewGlobal(metricsCfg, sink); err != nil {
		logger.Printf("[WARN] controller: starting metrics sink: %v", err)
	}

	workerCfg, err := config.Decode(map[string]interface{}{
		"Topology":    *topologyName,
		"Lazy":        *lazy,
		"MaxParallel": *maxParallel,
	})
	if err != nil {
		logger.Printf("[ERR] controller: decoding worker config: %v", err)
		return 1
	}
	if err := config.Validate(workerCfg); err != nil {
		logger.Printf("[ERR] controller: invalid worker config: %v", err)
		return 1
	}

	table := worker.NewTable(worker.Controller)
	reg := registry.New()
	funcs := call.NewRegistry()
	engine := call.NewEngine(funcs, worker.Controller)
	minter := rrid.NewMinter(worker.Controller)

	var launcher transport.Launcher
	if *workerExe != "" {
		launcher = transport.NewLocalLauncher(*workerExe)
	}

	mgr := topology.New(table, reg, launcher, minter, engine)
	mgr.Logger = logger

	var cookieBytes [transport.HDRCookieLen]byte
	copy(cookieBytes[:], sha256.New().Sum([]byte(*cookie)))

	sup := supervisor.New(table, reg, engine, mgr, cookieBytes, true)
	sup.Logger = logger
	sup.Launcher = launcher

	if *gossipBind != "" {
		sup.GossipBindAddr = *gossipBind
		sup.GossipBindPort = *gossipPort
		if *gossipSeeds != "" {
			sup.GossipSeeds = strings.Split(*gossipSeeds, ",")
		}
		// The controller's own worker id (worker.Controller) is already
		// known at construction time, unlike a worker's, so it can join
		// the gossip cluster immediately rather than waiting on a hook.
		sup.JoinGossipIfConfigured()
	}

	ln, err := net.Listen("tcp", *bind)
	if err != nil {
		logger.Printf("[ERR] controller: listen %s: %v", *bind, err)
		return 1
	}
	logger.Printf("[INFO] controller: accepting workers on %s", *bind)

	ctx := context.Background()
	go func() {
		if err := sup.Accept(ctx, ln); err != nil {
			logger.Printf("[ERR] controller: accept loop: %v", err)
		}
	}()

	if launcher != nil {
		go launchWorkers(ctx, sup, launcher, *nprocs, workerCfg, logger)
	}

	debugLn, err := net.Listen("tcp", *debugBind)
	if err != nil {
		logger.Printf("[ERR] controller: debug listen %s: %v", *debugBind, err)
		return 1
	}
	logger.Printf("[INFO] controller: debug control plane on %s", *debugBind)

	serveDebug(debugLn, table, sink, func(ids []int64) error {
		return sup.Rmprocs(ctx, launcher, ids)
	})

	select {}
}

// launchWorkers drains launcher.Launch's config stream and admits each
// one under a freshly assigned id, growing the OtherWorkers list handed
// to each new worker's JoinPGRP with every network-reachable peer
// admitted so far (spec.md §4.6's mesh-formation input).
func launchWorkers(ctx context.Context, sup *supervisor.Supervisor, launcher transport.Launcher, n int, cfg worker.Config, logger *log.Logger) {
	out := make(chan worker.Config, n)
	go func() {
		if err := launcher.Launch(ctx, transport.LaunchParams{Count: n, Config: cfg}, out); err != nil {
			logger.Printf("[ERR] controller: launching workers: %v", err)
		}
	}()

	var reachable []proto.OtherWorker
	for workerCfg := range out {
		id := sup.NextWorkerID()
		if err := sup.AdmitWorker(ctx, launcher, id, workerCfg, reachable); err != nil {
			logger.Printf("[ERR] controller: admitting worker %d: %v", id, err)
			continue
		}
		logger.Printf("[INFO] controller: admitted worker %d", id)
		if addr, ok := workerCfg.Env["addr"]; ok {
			reachable = append(reachable, proto.OtherWorker{RPID: id, ConnectAt: addr})
		}
	}
}
