package supervisor

import (
	gsyslog "github.com/hashicorp/go-syslog"
)

// NewSyslogWriter opens a local syslog writer under tag, for passing to
// NewLogger when the daemon entrypoint is started with -syslog.
func NewSyslogWriter(tag string) (gsyslog.Syslogger, error) {
	return gsyslog.NewLogger(gsyslog.LOG_NOTICE, "DAEMON", tag)
}
