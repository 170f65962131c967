package process

import (
	"errors"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

var (
	// ErrExited is returned when writing to a process that has already exited.
	ErrExited = errors.New("process exited")
	// ErrNotReaped is returned by Stop when the process survived SIGKILL's grace window.
	ErrNotReaped = errors.New("process not reaped after kill")
)

type beforeStartError struct{ d time.Duration }

func (e beforeStartError) Error() string {
	return "process exited before start duration " + e.d.String()
}

func errBeforeStart(d time.Duration) error { return beforeStartError{d: d} }

// IsBeforeStartErr reports whether err came from EnforceStartDuration.
func IsBeforeStartErr(err error) bool {
	var b beforeStartError
	return errors.As(err, &b)
}

// IsSignalExit reports whether err is a wait error caused by termination signals
// sent during a stop, or a conventional exit code for them.
func IsSignalExit(err error) bool {
	if err == nil {
		return false
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return true
		}
		switch ee.ExitCode() {
		case 130, 137, 143:
			return true
		}
	}
	s := err.Error()
	return strings.HasPrefix(s, "signal: terminated") ||
		strings.HasPrefix(s, "signal: killed") ||
		strings.HasPrefix(s, "signal: interrupt")
}
