package transport

import (
	"context"
	"io"

	"github.com/boxcast/coreproc/worker"
)

// Op names a worker lifecycle hook invoked through Launcher.Manage.
type Op int

const (
	OpRegister Op = iota
	OpDeregister
	OpInterrupt
	OpFinalize
)

func (o Op) String() string {
	switch o {
	case OpRegister:
		return "register"
	case OpDeregister:
		return "deregister"
	case OpInterrupt:
		return "interrupt"
	case OpFinalize:
		return "finalize"
	default:
		return "unknown"
	}
}

// LaunchParams describes how many workers to start and with what shared
// configuration. It is the Go shape of the process-launch parameters
// spec.md §1 treats as opaque (SSH command construction, shell-quoting,
// etc. are explicitly out of scope).
type LaunchParams struct {
	Count  int
	Config worker.Config
}

// Launcher is the opaque external collaborator spec.md §6 describes: it
// yields a duplex stream per worker, but the mechanism (SSH, local
// fork/exec, LAN discovery, ...) is outside the core's concern.
type Launcher interface {
	// Launch produces up to params.Count workers described by params
	// (started, found, or left for Connect to start, depending on the
	// implementation), sending one worker.Config per worker to out, then
	// closing out.
	Launch(ctx context.Context, params LaunchParams, out chan<- worker.Config) error

	// Connect establishes a worker-to-worker stream to pid, used by the
	// Topology Manager for mesh formation.
	Connect(ctx context.Context, pid int64, cfg worker.Config) (io.ReadCloser, io.WriteCloser, error)

	// Manage delivers a lifecycle hook for worker id.
	Manage(id int64, cfg worker.Config, op Op) error

	// Kill requests orderly shutdown of pid.
	Kill(pid int64, cfg worker.Config) error
}
