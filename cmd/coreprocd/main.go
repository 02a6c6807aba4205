// Command coreprocd is the cluster daemon binary: a multi-command CLI in
// the same shape as the teacher's own command binary, offering
// controller/worker/ps/rmprocs subcommands.
package main

import (
	"fmt"
	"os"

	uuid "github.com/hashicorp/go-uuid"
	"github.com/mitchellh/cli"
)

// runID is a per-process diagnostic correlation token, logged once in the
// controller/worker startup line (and used as the mDNS instance name of
// an advertising worker) — not the cluster cookie itself (spec.md
// §1 scopes cookie generation out entirely; this is purely a log
// correlation aid, the way the teacher stamps its own agent logs).
var runID string

func init() {
	id, err := uuid.GenerateUUID()
	if err != nil {
		id = "unknown"
	}
	runID = id
}

func main() {
	os.Exit(realMain())
}

func realMain() int {
	c := cli.NewCLI("coreprocd", Version)
	c.Args = os.Args[1:]
	c.Commands = map[string]cli.CommandFactory{
		"controller": func() (cli.Command, error) { return &ControllerCommand{RunID: runID}, nil },
		"worker":     func() (cli.Command, error) { return &WorkerCommand{RunID: runID}, nil },
		"ps":         func() (cli.Command, error) { return &PsCommand{RunID: runID}, nil },
		"rmprocs":    func() (cli.Command, error) { return &RmprocsCommand{RunID: runID}, nil },
	}
	c.Autocomplete = true
	c.AutocompleteInstall = "install-autocomplete"
	c.AutocompleteUninstall = "uninstall-autocomplete"

	exitStatus, err := c.Run()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return exitStatus
}
