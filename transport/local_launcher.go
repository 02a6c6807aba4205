package transport

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/boxcast/coreproc/worker"
)

// LocalLauncher starts worker processes as local subprocesses connected
// over stdio pipes — the in-process stand-in for the SSH launcher
// spec.md §1 scopes out, grounded on the teacher's own convention of
// shelling out to a fixed executable with flags (serf's agent/command
// process model) rather than anything SSH-specific.
type LocalLauncher struct {
	// Exe is the worker executable to run (e.g. the same binary with a
	// "worker" subcommand).
	Exe string

	mu    sync.Mutex
	procs map[int64]*exec.Cmd
}

// NewLocalLauncher returns a LocalLauncher that spawns exe for every
// worker.
func NewLocalLauncher(exe string) *LocalLauncher {
	return &LocalLauncher{Exe: exe, procs: make(map[int64]*exec.Cmd)}
}

// Launch starts no process itself: it reports params.Config on out
// params.Count times, then closes out. Each worker's subprocess is started
// later, by Connect.
func (l *LocalLauncher) Launch(ctx context.Context, params LaunchParams, out chan<- worker.Config) error {
	defer close(out)
	for i := 0; i < params.Count; i++ {
		cfg := params.Config
		out <- cfg
	}
	return nil
}

// Connect starts a new subprocess of l.Exe with cfg.ExeFlags as its
// arguments, records it as pid's process, and returns its stdio pipes as
// the duplex stream.
func (l *LocalLauncher) Connect(ctx context.Context, pid int64, cfg worker.Config) (io.ReadCloser, io.WriteCloser, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	args := append([]string{}, cfg.ExeFlags...)
	cmd := exec.CommandContext(ctx, l.Exe, args...)
	cmd.Env = envSlice(cfg.Env)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, err
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, err
	}
	l.procs[pid] = cmd
	return stdout, stdin, nil
}

// Manage is a no-op for the local launcher: subprocess lifecycle is fully
// owned by Connect/Kill.
func (l *LocalLauncher) Manage(id int64, cfg worker.Config, op Op) error {
	return nil
}

// Kill sends the subprocess for pid a termination signal.
func (l *LocalLauncher) Kill(pid int64, cfg worker.Config) error {
	l.mu.Lock()
	cmd, ok := l.procs[pid]
	delete(l.procs, pid)
	l.mu.Unlock()
	if !ok || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}
