package main

import (
	"log"

	"github.com/boxcast/coreproc/supervisor"
)

// buildLogger wires up the logger every coreprocd subcommand starts with.
// With syslogTag empty it logs to stderr; otherwise it opens a local
// syslog writer under that tag and falls back to stderr if the syslog
// daemon can't be reached, the way a long-running daemon shouldn't die
// just because syslog is unavailable.
func buildLogger(minLevel, syslogTag string) (*log.Logger, error) {
	if syslogTag == "" {
		return supervisor.NewLogger(minLevel, nil), nil
	}

	sink, err := supervisor.NewSyslogWriter(syslogTag)
	if err != nil {
		fallback := supervisor.NewLogger(minLevel, nil)
		fallback.Printf("[WARN] syslog unavailable, logging to stderr: %v", err)
		return fallback, nil
	}
	return supervisor.NewLogger(minLevel, sink), nil
}
