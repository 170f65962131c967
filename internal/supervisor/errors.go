package supervisor

import (
	"errors"
	"fmt"
)

var (
	// ErrNoProcess matches every *NoProcessError.
	ErrNoProcess = errors.New("no process running")
	// ErrShuttingDown is returned once Shutdown has completed.
	ErrShuttingDown = errors.New("supervisor shutting down")
)

// ConfigError reports a launch that could not be prepared from configuration,
// such as an unusable model directory.
type ConfigError struct {
	Op  string
	Err error
}

func (e *ConfigError) Error() string { return fmt.Sprintf("config: %s: %v", e.Op, e.Err) }
func (e *ConfigError) Unwrap() error { return e.Err }

// InstallError reports that the server binary could not be put in place.
type InstallError struct {
	Err error
}

func (e *InstallError) Error() string { return fmt.Sprintf("install: %v", e.Err) }
func (e *InstallError) Unwrap() error { return e.Err }

// SpawnError reports that the OS refused to start the process or that it
// exited before it was considered started.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string { return fmt.Sprintf("spawn %s: %v", e.Path, e.Err) }
func (e *SpawnError) Unwrap() error { return e.Err }

// RuntimeIOError reports a failed pipe operation on a running process.
type RuntimeIOError struct {
	Op  string
	Err error
}

func (e *RuntimeIOError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *RuntimeIOError) Unwrap() error { return e.Err }

// WriteError is the RuntimeIOError raised by SendInput.
type WriteError struct {
	Err error
}

func (e *WriteError) Error() string { return fmt.Sprintf("write input: %v", e.Err) }
func (e *WriteError) Unwrap() error { return e.Err }

// As lets errors.As match a WriteError as a *RuntimeIOError.
func (e *WriteError) As(target any) bool {
	if t, ok := target.(**RuntimeIOError); ok {
		*t = &RuntimeIOError{Op: "write input", Err: e.Err}
		return true
	}
	return false
}

// NoProcessError is returned when an operation needs a running process.
type NoProcessError struct {
	Op string
}

func (e *NoProcessError) Error() string {
	if e.Op == "" {
		return ErrNoProcess.Error()
	}
	return e.Op + ": " + ErrNoProcess.Error()
}

func (e *NoProcessError) Is(target error) bool { return target == ErrNoProcess }

// UnexpectedExitError records a process that exited without a stop request.
type UnexpectedExitError struct {
	PID int
	Err error
}

func (e *UnexpectedExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("server (pid %d) exited unexpectedly", e.PID)
	}
	return fmt.Sprintf("server (pid %d) exited unexpectedly: %v", e.PID, e.Err)
}

func (e *UnexpectedExitError) Unwrap() error { return e.Err }

// Kind classifies err for metrics and history labels.
func Kind(err error) string {
	var (
		ce *ConfigError
		ie *InstallError
		se *SpawnError
		we *WriteError
		re *RuntimeIOError
		ue *UnexpectedExitError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ce):
		return "config"
	case errors.As(err, &ie):
		return "install"
	case errors.As(err, &se):
		return "spawn"
	case errors.As(err, &we):
		return "write"
	case errors.As(err, &re):
		return "io"
	case errors.Is(err, ErrNoProcess):
		return "no_process"
	case errors.As(err, &ue):
		return "unexpected_exit"
	default:
		return "other"
	}
}

// loggedError marks an error that is already in the output log.
type loggedError struct{ error }

func (e loggedError) Unwrap() error { return e.error }

// Logged reports that the error line was written.
func (loggedError) Logged() bool { return true }
