package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// KillGrace bounds how long Stop waits for the reaper after SIGKILL.
const KillGrace = 2 * time.Second

// Handle is a running child process with its three standard pipes.
// The parent keeps the write end of stdin and the read ends of stdout/stderr.
// A reaper goroutine owns cmd.Wait; Done is closed once it returns.
type Handle struct {
	spec  Spec
	gen   uint64
	runID string

	proc   *os.Process
	waitFn func() error

	stdin  *os.File
	stdout *os.File
	stderr *os.File

	writeMu sync.Mutex

	mu       sync.Mutex
	status   Status
	waitDone chan struct{}
	closed   bool
}

// Start spawns the process described by spec. gen identifies the supervisor
// generation this handle belongs to.
func Start(spec Spec, gen uint64) (*Handle, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	cmd := spec.BuildCommand()
	configureSysProcAttr(cmd)

	inR, inW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		closeAll(inR, inW)
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		closeAll(inR, inW, outR, outW)
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdin = inR
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		closeAll(inR, inW, outR, outW, errR, errW)
		return nil, err
	}
	// the child holds its own copies now
	closeAll(inR, outW, errW)

	h := &Handle{
		spec:     spec,
		gen:      gen,
		runID:    uuid.NewString(),
		proc:     cmd.Process,
		waitFn:   cmd.Wait,
		stdin:    inW,
		stdout:   outR,
		stderr:   errR,
		waitDone: make(chan struct{}),
	}
	h.status = Status{
		Name:       spec.Name,
		RunID:      h.runID,
		Generation: gen,
		Running:    true,
		PID:        cmd.Process.Pid,
		StartedAt:  time.Now(),
	}
	go h.reap()
	return h, nil
}

func closeAll(fs ...*os.File) {
	for _, f := range fs {
		if f != nil {
			_ = f.Close()
		}
	}
}

func (h *Handle) reap() {
	err := h.waitFn()
	h.mu.Lock()
	h.status.Running = false
	h.status.StoppedAt = time.Now()
	h.status.ExitErr = err
	h.mu.Unlock()
	close(h.waitDone)
}

func (h *Handle) Generation() uint64 { return h.gen }
func (h *Handle) RunID() string      { return h.runID }
func (h *Handle) PID() int           { return h.proc.Pid }
func (h *Handle) Spec() Spec         { return h.spec }

// Stdout and Stderr expose the read ends of the output pipes.
func (h *Handle) Stdout() io.Reader { return h.stdout }
func (h *Handle) Stderr() io.Reader { return h.stderr }

// Done is closed once the process has been reaped.
func (h *Handle) Done() <-chan struct{} { return h.waitDone }

// Alive reports whether the process has not yet been reaped.
func (h *Handle) Alive() bool {
	select {
	case <-h.waitDone:
		return false
	default:
		return true
	}
}

// Snapshot returns a copy of the current status.
func (h *Handle) Snapshot() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// ExitErr returns the wait error, nil while running or on a clean exit.
func (h *Handle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status.ExitErr
}

// WriteLine writes text plus a newline to stdin. A positive timeout bounds the write.
func (h *Handle) WriteLine(text string, timeout time.Duration) error {
	if !h.Alive() {
		return ErrExited
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if h.isClosed() {
		return ErrExited
	}
	if timeout > 0 {
		_ = h.stdin.SetWriteDeadline(time.Now().Add(timeout))
		defer func() { _ = h.stdin.SetWriteDeadline(time.Time{}) }()
	}
	if _, err := io.WriteString(h.stdin, text+"\n"); err != nil {
		if errors.Is(err, os.ErrClosed) {
			return ErrExited
		}
		return err
	}
	return nil
}

// EnforceStartDuration waits d and fails if the process exits within it.
func (h *Handle) EnforceStartDuration(d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-h.waitDone:
		return errBeforeStart(d)
	case <-t.C:
		return nil
	}
}

// Stop sends SIGTERM to the process group, waits up to wait for the reaper,
// then escalates to SIGKILL. It returns the wait error of the process, or
// ErrNotReaped if the process could not be collected after the kill.
func (h *Handle) Stop(wait time.Duration) error {
	if !h.Alive() {
		return h.ExitErr()
	}
	_ = terminateGroup(h.proc)
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-h.waitDone:
		return h.ExitErr()
	case <-t.C:
	}
	return h.Kill()
}

// Kill sends SIGKILL to the process group and waits briefly for the reaper.
func (h *Handle) Kill() error {
	if !h.Alive() {
		return h.ExitErr()
	}
	_ = killGroup(h.proc)
	t := time.NewTimer(KillGrace)
	defer t.Stop()
	select {
	case <-h.waitDone:
		return h.ExitErr()
	case <-t.C:
		return ErrNotReaped
	}
}

func (h *Handle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Close releases the parent's pipe ends. Pending reads on stdout/stderr return.
func (h *Handle) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()

	closeAll(h.stdout, h.stderr, h.stdin)
}
