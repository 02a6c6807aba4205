package main

import (
	"flag"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/posener/complete"
)

// RmprocsCommand tears down a set of workers through the controller's
// debug control plane (the CLI-facing half of spec.md §4.5's
// controller-only rmprocs operation; supervisor.Rmprocs does the actual
// work, reached here over the newline-JSON debug protocol rather than
// the core wire protocol).
type RmprocsCommand struct {
	RunID string
}

func (c *RmprocsCommand) Help() string {
	return "Usage: coreprocd rmprocs [-addr host:port] id [id ...]\n\n" +
		"Removes the named worker ids from the controller's process group."
}

func (c *RmprocsCommand) Synopsis() string {
	return "Remove workers from the cluster"
}

func (c *RmprocsCommand) AutocompleteFlags() complete.Flags {
	return complete.Flags{"-addr": complete.PredictAnything}
}

func (c *RmprocsCommand) AutocompleteArgs() complete.Predictor { return complete.PredictAnything }

func (c *RmprocsCommand) Run(args []string) int {
	fs := flag.NewFlagSet("rmprocs", flag.ContinueOnError)
	addr := fs.String("addr", "127.0.0.1:7471", "debug control plane address")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	rest := fs.Args()
	if len(rest) == 0 {
		color.Red("rmprocs: at least one worker id is required")
		return 1
	}

	ids := make([]int64, 0, len(rest))
	for _, a := range rest {
		id, err := strconv.ParseInt(strings.TrimSpace(a), 10, 64)
		if err != nil {
			color.Red("rmprocs: invalid worker id %q: %v", a, err)
			return 1
		}
		ids = append(ids, id)
	}

	resp, err := queryDebug(*addr, debugRequest{Op: "rmprocs", IDs: ids})
	if err != nil {
		color.Red("rmprocs: %v", err)
		return 1
	}
	if resp.Error != "" {
		color.Red("rmprocs: %s", resp.Error)
		return 1
	}

	color.Green("removed %d worker(s)", len(ids))
	return 0
}
