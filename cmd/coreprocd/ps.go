package main

import (
	"flag"
	"fmt"
	"sort"

	"github.com/fatih/color"
	"github.com/posener/complete"
	"github.com/ryanuber/columnize"
)

// PsCommand lists the workers a controller (or any process exposing the
// debug control plane) currently knows about, in the teacher's own
// columnize-rendered table style.
type PsCommand struct {
	RunID string
}

func (c *PsCommand) Help() string {
	return "Usage: coreprocd ps [-addr host:port]\n\n" +
		"Lists every worker known to the debug control plane at addr."
}

func (c *PsCommand) Synopsis() string {
	return "List known workers"
}

func (c *PsCommand) AutocompleteFlags() complete.Flags {
	return complete.Flags{"-addr": complete.PredictAnything}
}

func (c *PsCommand) AutocompleteArgs() complete.Predictor { return complete.PredictNothing }

func (c *PsCommand) Run(args []string) int {
	fs := flag.NewFlagSet("ps", flag.ContinueOnError)
	addr := fs.String("addr", "127.0.0.1:7471", "debug control plane address")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	resp, err := queryDebug(*addr, debugRequest{Op: "ps"})
	if err != nil {
		color.Red("ps: %v", err)
		return 1
	}
	if resp.Error != "" {
		color.Red("ps: %s", resp.Error)
		return 1
	}

	rows := []string{"ID | STATE | VERSION"}
	for _, w := range resp.Workers {
		rows = append(rows, fmt.Sprintf("%d | %s | %s", w.ID, w.State, w.Version))
	}
	fmt.Println(columnize.SimpleFormat(rows))

	if len(resp.Metrics) > 0 {
		names := make([]string, 0, len(resp.Metrics))
		for name := range resp.Metrics {
			names = append(names, name)
		}
		sort.Strings(names)

		fmt.Println()
		metricRows := []string{"METRIC | VALUE"}
		for _, name := range names {
			metricRows = append(metricRows, fmt.Sprintf("%s | %g", name, resp.Metrics[name]))
		}
		fmt.Println(columnize.SimpleFormat(metricRows))
	}
	return 0
}
