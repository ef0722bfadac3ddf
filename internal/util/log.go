package util

import (
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
)

var IsTraceEnabled bool

// ConfigureLogging routes structured diagnostics to stderr,
// debug level is only switched on in verbose mode.
func ConfigureLogging(verbose bool) {
	IsTraceEnabled = verbose
	log.SetOutput(os.Stderr)
	log.SetFormatter(&log.TextFormatter{DisableTimestamp: !verbose, FullTimestamp: true})
	log.SetLevel(log.WarnLevel)
	if verbose {
		log.SetLevel(log.DebugLevel)
	}
}

func Writeln(format string, msg ...interface{}) {
	Fwriteln(os.Stderr, format, msg...)
}

// Fwriteln is Writeln against an arbitrary writer.
func Fwriteln(w io.Writer, format string, msg ...interface{}) {
	fmt.Fprintln(w, fmt.Sprintf(format, msg...))
}

func Traceln(format string, msg ...interface{}) {
	if IsTraceEnabled {
		log.Debugf(format, msg...)
	}
}

// Truncate shortens secrets before they reach the console.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func Exit(err error) {
	if err != nil {
		Writeln("%s", err)
	}
	os.Exit(1)
}
