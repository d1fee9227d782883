package logflags

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/sirupsen/logrus"
)

var debugger = false
var dispatch = false
var pipe = false

var logOut io.WriteCloser

func makeLogger(flag bool, fields logrus.Fields) *logrus.Entry {
	logger := logrus.New()
	logger.Formatter = &logrus.TextFormatter{FullTimestamp: true}
	if logOut != nil {
		logger.Out = logOut
	} else {
		logger.Out = colorable.NewColorableStderr()
	}
	logger.Level = logrus.WarnLevel
	if flag {
		logger.Level = logrus.DebugLevel
	}
	return logger.WithFields(fields)
}

// Debugger returns true if the trace controller should log.
func Debugger() bool {
	return debugger
}

// DebuggerLogger returns a logger for the trace controller.
func DebuggerLogger() *logrus.Entry {
	return makeLogger(debugger, logrus.Fields{"layer": "debugger"})
}

// Dispatch returns true if stop-event dispatching should be logged.
func Dispatch() bool {
	return dispatch
}

// DispatchLogger returns a logger for stop-event classification and
// callback dispatch.
func DispatchLogger() *logrus.Entry {
	return makeLogger(dispatch, logrus.Fields{"layer": "debugger", "kind": "dispatch"})
}

// Pipe returns true if the pipe manager should log.
func Pipe() bool {
	return pipe
}

// PipeLogger returns a logger for the pipe manager.
func PipeLogger() *logrus.Entry {
	return makeLogger(pipe, logrus.Fields{"layer": "pipe"})
}

// ResolverLogger returns a logger for the binary metadata resolver. The
// resolver logs degraded-resolution diagnostics at warning level, which is
// always enabled: callers match against those messages.
func ResolverLogger() *logrus.Entry {
	return makeLogger(false, logrus.Fields{"layer": "resolver"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets the logging flags based on the contents of logstr. If logDest
// is not empty logs are redirected to the file (or file descriptor) it
// names.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := parseFd(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "tracectl-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "debugger"
	}
	for _, logcmd := range strings.Split(logstr, ",") {
		switch logcmd {
		case "debugger":
			debugger = true
		case "dispatch":
			dispatch = true
		case "pipe":
			pipe = true
		}
	}
	return nil
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
	}
}

func parseFd(s string) (int, error) {
	n := 0
	for _, ch := range s {
		if ch < '0' || ch > '9' {
			return 0, errors.New("not a number")
		}
		n = n*10 + int(ch-'0')
	}
	return n, nil
}
