package main

import (
	"context"
	"crypto/sha256"
	"flag"
	"io"
	"net"
	"os"
	"strings"
	"time"

	metrics "github.com/armon/go-metrics"
	"github.com/posener/complete"

	"github.com/boxcast/coreproc/call"
	"github.com/boxcast/coreproc/dispatch"
	"github.com/boxcast/coreproc/registry"
	"github.com/boxcast/coreproc/rrid"
	"github.com/boxcast/coreproc/supervisor"
	"github.com/boxcast/coreproc/topology"
	"github.com/boxcast/coreproc/transport"
	"github.com/boxcast/coreproc/worker"
)

// WorkerCommand boots a worker process. It doesn't know its own id until
// the controller's JoinPGRP names one (spec.md §4.6): the Worker Table is
// constructed with a placeholder self id and corrected in place once the
// handshake completes.
type WorkerCommand struct {
	RunID string
}

func (c *WorkerCommand) Help() string {
	return "Usage: coreprocd worker [-listen addr] [-cookie secret] [-log-level LEVEL] [-syslog tag] [-gossip-bind addr] [-gossip-port N] [-gossip-seeds host:port,...]\n\n" +
		"With -listen, the worker runs its own accept loop so the controller\n" +
		"(or peer workers forming a mesh) can dial in over TCP. Without it,\n" +
		"the worker treats its own stdin/stdout as the single connection to\n" +
		"the process that spawned it, the shape LocalLauncher expects."
}

func (c *WorkerCommand) Synopsis() string {
	return "Start a worker process"
}

func (c *WorkerCommand) AutocompleteFlags() complete.Flags {
	return complete.Flags{
		"-listen":    complete.PredictAnything,
		"-cookie":    complete.PredictAnything,
		"-log-level": complete.PredictSet("TRACE", "DEBUG", "INFO", "WARN", "ERR"),
		"-syslog":    complete.PredictAnything,
		"-gossip-bind": complete.PredictAnything,
		"-gossip-port": complete.PredictAnything,
		"-gossip-seeds": complete.PredictAnything,
	}
}

func (c *WorkerCommand) AutocompleteArgs() complete.Predictor { return complete.PredictNothing }

func (c *WorkerCommand) Run(args []string) int {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	listenAddr := fs.String("listen", "", "address to accept inbound connections on; empty uses stdin/stdout")
	cookie := fs.String("cookie", "coreproc-dev-cookie", "cluster shared-secret cookie")
	advertise := fs.Bool("advertise", true, "advertise this worker over mDNS so a controller can discover it")
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
	logger.Printf("[INFO] coreprocd worker starting, run_id=%s", c.RunID)

	metricsCfg := metrics.DefaultConfig("coreprocd")
	metricsCfg.EnableHostname = false
	metricsCfg.EnableRuntimeMetrics = false
	if _, err := metrics.NewGlobal(metricsCfg, metrics.NewInmemSink(10*time.Second, time.Minute)); err != nil {
		logger.Printf("[WARN] worker: starting metrics sink: %v", err)
	}

	table := worker.NewTable(0)
	reg := registry.New()
	funcs := call.NewRegistry()
	engine := call.NewEngine(funcs, 0)
	minter := rrid.NewMinter(0)

	launcher := transport.NewDiscoverLauncher()
	mgr := topology.New(table, reg, launcher, minter, engine)
	mgr.Logger = logger

	var cookieBytes [transport.HDRCookieLen]byte
	copy(cookieBytes[:], sha256.New().Sum([]byte(*cookie)))

	sup := supervisor.New(table, reg, engine, mgr, cookieBytes, false)
	sup.Logger = logger
	sup.Launcher = launcher

	if *gossipBind != "" {
		sup.GossipBindAddr = *gossipBind
		sup.GossipBindPort = *gossipPort
		if *gossipSeeds != "" {
			sup.GossipSeeds = strings.Split(*gossipSeeds, ",")
		}
		// A worker doesn't know its own id until JoinPGRP assigns one, so
		// the gossip node only starts once Hooks().OnJoinPGRP sees that
		// succeed (supervisor.go), not here.
	}

	ctx := context.Background()

	if *listenAddr == "" {
		logger.Printf("[INFO] worker: awaiting JoinPGRP on stdin/stdout")
		stream := stdioStream{Reader: os.Stdin, Writer: os.Stdout}
		d := &dispatch.Dispatcher{
			Codec:          transport.NewFrameCodec(os.Stdin, os.Stdout),
			Table:          table,
			Registry:       reg,
			Engine:         engine,
			Minter:         minter,
			Logger:         logger,
			Hooks:          sup.Hooks(),
			Incoming:       true,
			ExpectedCookie: cookieBytes,
			Stream:         stream,
		}
		if err := d.Run(); err != nil {
			logger.Printf("[ERR] worker: connection to launcher ended: %v", err)
			return 1
		}
		return 0
	}

	ln, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		logger.Printf("[ERR] worker: listen %s: %v", *listenAddr, err)
		return 1
	}
	logger.Printf("[INFO] worker: accepting connections on %s", ln.Addr())

	if *advertise {
		tcpAddr, ok := ln.Addr().(*net.TCPAddr)
		if ok {
			shutdown, err := launcher.Advertise(c.RunID, tcpAddr.Port)
			if err != nil {
				logger.Printf("[WARN] worker: mDNS advertise failed: %v", err)
			} else {
				defer shutdown()
			}
		}
	}

	if err := sup.Accept(ctx, ln); err != nil {
		logger.Printf("[ERR] worker: accept loop: %v", err)
		return 1
	}
	return 0
}

// stdioStream adapts the process's own stdin/stdout into the single
// io.ReadWriteCloser a Dispatcher expects, for the LocalLauncher case
// where the "connection" to the launching controller is a pair of pipes
// rather than a socket.
type stdioStream struct {
	io.Reader
	io.Writer
}

func (s stdioStream) Close() error {
	rerr := os.Stdin.Close()
	werr := os.Stdout.Close()
	if rerr != nil {
		return rerr
	}
	return werr
}
