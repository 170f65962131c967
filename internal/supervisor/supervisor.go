// Package supervisor owns the lifecycle of the model server subprocess.
//
// A single control goroutine serializes start, stop, restart, shutdown and
// exit notices, so at most one process handle exists at any time. Output
// readers, the exit watcher and the resource sampler are scoped to a handle
// generation; events from an older generation are discarded.
//
// State machine:
// Stopped -> Starting -> Running -> Stopping -> Stopped
// Starting -> Failed (configuration, installation or spawn error)
// Running -> Stopped (unexpected exit)
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/ollamad/internal/history"
	"github.com/loykin/ollamad/internal/install"
	"github.com/loykin/ollamad/internal/metrics"
	"github.com/loykin/ollamad/internal/output"
	"github.com/loykin/ollamad/internal/process"
	"github.com/loykin/ollamad/internal/sampler"
	"github.com/loykin/ollamad/internal/state"
)

// Launch is a fully resolved command line.
type Launch struct {
	Executable string
	Args       []string
	Env        []string
	WorkDir    string
}

func (l Launch) spec(name string) process.Spec {
	return process.Spec{Name: name, Path: l.Executable, Args: l.Args, Env: l.Env, WorkDir: l.WorkDir}
}

type commandAction int

const (
	actionStart commandAction = iota
	actionStop
	actionRestart
	actionExited
	actionAutoRestart
	actionShutdown
)

type command struct {
	action commandAction
	ctx    context.Context
	launch *Launch
	gen    uint64 // generation for exit notices, token for auto restarts
	err    error
	reply  chan error
}

// generation bundles everything scoped to one spawned process.
type generation struct {
	id       uint64
	handle   *process.Handle
	readers  *output.Readers
	cancel   context.CancelFunc
	loop     *sampler.Loop
	stopping bool
	begun    time.Time
}

// Supervisor runs at most one server process and reports through a state.Repository.
type Supervisor struct {
	cfg    Config
	repo   *state.Repository
	mux    *output.Multiplexer
	tee    *output.Tee
	models install.ModelDirResolver
	binary install.BinaryInstaller
	source sampler.Source
	sinks  history.Fanout
	logger *slog.Logger

	onStats func(state.ResourceStats)

	cmdChan  chan command
	doneChan chan struct{}

	mu        sync.RWMutex
	cur       *generation
	lastGen   uint64
	last      *Launch
	modelsDir string
	restarts  uint32

	// loop-owned
	autoToken uint64
	autoCount int
	autoTimer *time.Timer
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithCollaborators sets the model directory resolver and binary installer used by Start.
func WithCollaborators(models install.ModelDirResolver, binary install.BinaryInstaller) Option {
	return func(s *Supervisor) {
		s.models = models
		s.binary = binary
	}
}

// WithSource replaces the host resource source.
func WithSource(src sampler.Source) Option { return func(s *Supervisor) { s.source = src } }

// WithHistory adds lifecycle event sinks.
func WithHistory(sinks ...history.Sink) Option {
	return func(s *Supervisor) { s.sinks = append(s.sinks, sinks...) }
}

// WithTee mirrors captured output into rotated files.
func WithTee(t *output.Tee) Option { return func(s *Supervisor) { s.tee = t } }

// WithLogger sets the daemon logger.
func WithLogger(l *slog.Logger) Option { return func(s *Supervisor) { s.logger = l } }

// WithStatsObserver is called with every accepted stats sample.
func WithStatsObserver(fn func(state.ResourceStats)) Option {
	return func(s *Supervisor) { s.onStats = fn }
}

// New creates a supervisor writing into repo and starts its control loop.
func New(repo *state.Repository, cfg Config, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:      cfg.withDefaults(),
		repo:     repo,
		logger:   slog.Default(),
		cmdChan:  make(chan command, 16),
		doneChan: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.source == nil {
		s.source = sampler.NewHostSource()
	}
	s.logger = s.logger.With("component", "supervisor", "name", s.cfg.Name)
	s.mux = s.newMux()
	metrics.SetCurrentState(s.cfg.Name, state.PhaseStopped.String(), true)

	go s.runStateMachine()
	return s
}

func (s *Supervisor) newMux() *output.Multiplexer {
	opts := []output.Option{output.WithHook(s.countTokens), output.WithLogger(s.logger)}
	if s.tee != nil {
		opts = append(opts, output.WithTee(s.tee))
	}
	return output.New(s.repo, opts...)
}

func (s *Supervisor) countTokens(_ state.Origin, text string) {
	if n, ok := output.ParseEvalCount(text); ok {
		s.repo.AddTokens(n)
	}
}

// Config returns the effective configuration.
func (s *Supervisor) Config() Config { return s.cfg }

// Start resolves the collaborators and launches the server.
func (s *Supervisor) Start(ctx context.Context) error {
	return s.send(ctx, command{action: actionStart})
}

// StartWith launches an explicit command line.
func (s *Supervisor) StartWith(ctx context.Context, l Launch) error {
	return s.send(ctx, command{action: actionStart, launch: &l})
}

// Stop terminates the server. Stopping a stopped server is a no-op.
func (s *Supervisor) Stop(ctx context.Context) error {
	return s.send(ctx, command{action: actionStop})
}

// Restart stops the server, pauses and starts it again with the last launch.
func (s *Supervisor) Restart(ctx context.Context) error {
	return s.send(ctx, command{action: actionRestart})
}

// Shutdown stops the server and ends the control loop.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	err := s.send(ctx, command{action: actionShutdown})
	if errors.Is(err, ErrShuttingDown) {
		return nil
	}
	return err
}

// Done is closed when the control loop has exited.
func (s *Supervisor) Done() <-chan struct{} { return s.doneChan }

func (s *Supervisor) send(ctx context.Context, cmd command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cmd.ctx = ctx
	cmd.reply = make(chan error, 1)
	select {
	case s.cmdChan <- cmd:
	case <-s.doneChan:
		return ErrShuttingDown
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-s.doneChan:
		select {
		case err := <-cmd.reply:
			return err
		default:
			return ErrShuttingDown
		}
	case <-ctx.Done():
		// the command still runs to completion on the loop
		return ctx.Err()
	}
}

// post delivers an internal notice without a reply.
func (s *Supervisor) post(cmd command) {
	cmd.ctx = context.Background()
	select {
	case s.cmdChan <- cmd:
	case <-s.doneChan:
	}
}

func (s *Supervisor) runStateMachine() {
	defer close(s.doneChan)
	for cmd := range s.cmdChan {
		if s.handleCommand(cmd) {
			return
		}
	}
}

// handleCommand returns true when the loop must exit.
func (s *Supervisor) handleCommand(cmd command) bool {
	var err error
	switch cmd.action {
	case actionStart:
		s.disarmAutoRestart()
		err = s.handleStart(cmd.ctx, cmd.launch)
	case actionStop:
		s.disarmAutoRestart()
		err = s.handleStop()
	case actionRestart:
		s.disarmAutoRestart()
		err = s.handleRestart(cmd.ctx)
	case actionExited:
		s.handleExited(cmd.gen, cmd.err)
	case actionAutoRestart:
		s.handleAutoRestart(cmd.gen)
	case actionShutdown:
		s.disarmAutoRestart()
		err = s.handleStop()
		if cmd.reply != nil {
			cmd.reply <- err
		}
		return true
	}
	if cmd.reply != nil {
		cmd.reply <- err
	}
	return false
}

func (s *Supervisor) current() *generation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

func (s *Supervisor) handleStart(ctx context.Context, l *Launch) error {
	if g := s.current(); g != nil {
		if g.handle.Alive() {
			s.repo.Append(state.OriginSystem, fmt.Sprintf("already running (pid %d)", g.handle.PID()))
			return nil
		}
		// exited, but the watcher has not reported it yet
		s.reportExit(g, g.handle.ExitErr())
	}
	if l == nil {
		s.setStatus(state.Starting())
		resolved, err := s.resolveLaunch(ctx)
		if err != nil {
			return s.fail(err)
		}
		l = &resolved
	}
	return s.doStart(*l)
}

func (s *Supervisor) resolveLaunch(ctx context.Context) (Launch, error) {
	if s.models == nil || s.binary == nil {
		return Launch{}, &ConfigError{Op: "resolve launch", Err: errors.New("no model directory resolver or binary installer configured")}
	}
	dir, err := s.models.ResolveModelDirectory(ctx)
	if err != nil {
		return Launch{}, &ConfigError{Op: "resolve model directory", Err: err}
	}
	bin, err := s.binary.EnsureBinaryInstalled(ctx)
	if err != nil {
		return Launch{}, &InstallError{Err: err}
	}
	s.mu.Lock()
	s.modelsDir = dir
	s.mu.Unlock()
	s.repo.Append(state.OriginSystem, "models directory: "+dir)
	return Launch{
		Executable: bin,
		Args:       ServeArgs(s.cfg.Host, s.cfg.Port, dir, s.cfg.ExtraArgs),
		Env:        s.cfg.Env,
		WorkDir:    s.cfg.WorkDir,
	}, nil
}

func (s *Supervisor) doStart(l Launch) error {
	s.setStatus(state.Starting())
	begun := time.Now()
	spec := l.spec(s.cfg.Name)
	s.repo.Append(state.OriginSystem, "=== starting server ===")
	s.repo.Append(state.OriginSystem, "command: "+spec.CommandLine())

	s.mu.Lock()
	s.lastGen++
	genID := s.lastGen
	launch := l
	s.last = &launch
	s.mu.Unlock()

	h, err := process.Start(spec, genID)
	if err != nil {
		return s.fail(&SpawnError{Path: spec.Path, Err: err})
	}
	rctx, cancel := context.WithCancel(context.Background())
	g := &generation{
		id:      genID,
		handle:  h,
		readers: s.mux.Attach(rctx, h.Stdout(), h.Stderr()),
		cancel:  cancel,
		begun:   begun,
	}
	s.mu.Lock()
	s.cur = g
	s.mu.Unlock()
	go s.watch(g)

	if err := h.EnforceStartDuration(s.cfg.StartGrace); err != nil {
		s.teardown(g)
		return s.fail(&SpawnError{Path: spec.Path, Err: err})
	}

	g.loop = sampler.StartLoop(rctx, sampler.New(s.source, s.target(h), s.repo.Tokens, s.logger),
		s.cfg.SampleInterval, s.publishFor(genID), s.logger)

	s.setStatus(state.Running())
	s.repo.Append(state.OriginSystem, "listening on "+s.cfg.BaseURL())
	s.logger.Info("server started", "pid", h.PID(), "run_id", h.RunID(), "generation", genID)
	metrics.IncStart(s.cfg.Name)
	metrics.ObserveStartDuration(s.cfg.Name, time.Since(begun).Seconds())
	s.persist(history.EventStart, h, "")
	return nil
}

func (s *Supervisor) target(h *process.Handle) sampler.Target {
	t := sampler.Target{PID: h.PID(), Port: s.cfg.Port, StoragePath: s.cfg.StoragePath}
	if t.StoragePath == "" {
		s.mu.RLock()
		t.StoragePath = s.modelsDir
		s.mu.RUnlock()
	}
	if s.cfg.ProbeModel {
		t.APIBase = s.cfg.BaseURL()
	}
	return t
}

// publishFor accepts samples only while gen is the current generation.
func (s *Supervisor) publishFor(gen uint64) func(state.ResourceStats) {
	return func(st state.ResourceStats) {
		if g := s.current(); g == nil || g.id != gen {
			return
		}
		s.repo.SetStats(st)
		metrics.ObserveResources(s.cfg.Name, st)
		if s.onStats != nil {
			s.onStats(st)
		}
	}
}

// watch waits for the process of one generation and reports its exit.
func (s *Supervisor) watch(g *generation) {
	<-g.handle.Done()
	if !g.readers.Wait(s.cfg.DrainTimeout) {
		g.handle.Close()
	}
	s.post(command{action: actionExited, gen: g.id, err: g.handle.ExitErr()})
}

func (s *Supervisor) handleExited(gen uint64, exitErr error) {
	g := s.current()
	if g == nil || g.id != gen || g.stopping {
		return
	}
	s.reportExit(g, exitErr)
	s.armAutoRestart()
}

// reportExit tears down a generation whose process ended without a stop request.
func (s *Supervisor) reportExit(g *generation, exitErr error) {
	uerr := &UnexpectedExitError{PID: g.handle.PID(), Err: exitErr}
	s.teardown(g)
	s.repo.Append(state.OriginError, uerr.Error())
	s.logger.Warn("server exited unexpectedly", "pid", uerr.PID, "error", exitErr)
	s.setStatus(state.Stopped())
	metrics.IncUnexpectedExit(s.cfg.Name)
	s.persist(history.EventExit, g.handle, uerr.Error())
}

func (s *Supervisor) handleStop() error {
	g := s.current()
	if g == nil {
		if s.repo.Status().Phase == state.PhaseFailed {
			s.setStatus(state.Stopped())
		}
		return nil
	}
	s.mu.Lock()
	g.stopping = true
	s.mu.Unlock()

	s.setStatus(state.Stopping())
	s.repo.Append(state.OriginSystem, "=== stopping server ===")
	err := g.handle.Stop(s.cfg.StopTimeout)
	s.teardown(g)
	s.setStatus(state.Stopped())
	s.repo.Append(state.OriginSystem, "server stopped")
	metrics.IncStop(s.cfg.Name)
	s.persist(history.EventStop, g.handle, "")

	if errors.Is(err, process.ErrNotReaped) {
		s.repo.Append(state.OriginError, fmt.Sprintf("pid %d did not exit after kill", g.handle.PID()))
		s.logger.Error("stop incomplete", "pid", g.handle.PID(), "error", err)
		return &RuntimeIOError{Op: "stop", Err: err}
	}
	if err != nil && !process.IsSignalExit(err) {
		s.logger.Debug("server exit status", "error", err)
	}
	return nil
}

func (s *Supervisor) handleRestart(ctx context.Context) error {
	s.repo.Append(state.OriginSystem, "=== restarting server ===")
	s.mu.RLock()
	last := s.last
	s.mu.RUnlock()

	if err := s.handleStop(); err != nil {
		return err
	}
	t := time.NewTimer(s.cfg.RestartPause)
	select {
	case <-t.C:
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	}
	s.mu.Lock()
	s.restarts++
	s.mu.Unlock()
	metrics.IncRestart(s.cfg.Name)
	if last != nil {
		return s.doStart(*last)
	}
	return s.handleStart(ctx, nil)
}

// teardown releases everything scoped to g. The process must already be gone
// or be on its way out.
func (s *Supervisor) teardown(g *generation) {
	s.mu.Lock()
	if s.cur == g {
		s.cur = nil
	}
	s.mu.Unlock()

	if g.loop != nil {
		g.loop.Stop()
	}
	if !g.readers.Wait(s.cfg.DrainTimeout) {
		s.logger.Warn("output readers did not drain", "generation", g.id)
	}
	g.cancel()
	g.handle.Close()
	g.readers.Wait(s.cfg.DrainTimeout)
}

func (s *Supervisor) fail(err error) error {
	s.repo.Append(state.OriginError, err.Error())
	s.setStatus(state.Failed(err.Error()))
	s.logger.Error("start failed", "kind", Kind(err), "error", err)
	metrics.IncStartFailure(s.cfg.Name, Kind(err))
	s.persist(history.EventFailed, nil, err.Error())
	return err
}

func (s *Supervisor) armAutoRestart() {
	if !s.cfg.AutoRestart {
		return
	}
	if s.cfg.MaxAutoRestarts > 0 && s.autoCount >= s.cfg.MaxAutoRestarts {
		s.repo.Append(state.OriginSystem, "auto restart limit reached")
		return
	}
	s.autoToken++
	token := s.autoToken
	s.autoTimer = time.AfterFunc(s.cfg.RestartInterval, func() {
		s.post(command{action: actionAutoRestart, gen: token})
	})
}

func (s *Supervisor) disarmAutoRestart() {
	s.autoToken++
	s.autoCount = 0
	if s.autoTimer != nil {
		s.autoTimer.Stop()
		s.autoTimer = nil
	}
}

func (s *Supervisor) handleAutoRestart(token uint64) {
	if token != s.autoToken || s.current() != nil {
		return
	}
	s.mu.RLock()
	last := s.last
	s.mu.RUnlock()
	if last == nil {
		return
	}
	s.autoCount++
	s.repo.Append(state.OriginSystem, fmt.Sprintf("auto restart (attempt %d)", s.autoCount))
	s.mu.Lock()
	s.restarts++
	s.mu.Unlock()
	metrics.IncRestart(s.cfg.Name)
	if err := s.doStart(*last); err != nil {
		s.armAutoRestart()
	}
}

func (s *Supervisor) setStatus(st state.Status) {
	prev := s.repo.Status()
	s.repo.SetStatus(st)
	if prev.Phase != st.Phase {
		metrics.RecordStateTransition(s.cfg.Name, prev.Phase.String(), st.Phase.String())
		metrics.SetCurrentState(s.cfg.Name, prev.Phase.String(), false)
		metrics.SetCurrentState(s.cfg.Name, st.Phase.String(), true)
	}
}

func (s *Supervisor) persist(typ history.EventType, h *process.Handle, reason string) {
	if len(s.sinks) == 0 {
		return
	}
	now := time.Now().UTC()
	rec := history.Record{Name: s.cfg.Name, Phase: s.repo.Status().Phase.String(), Reason: reason}
	if h != nil {
		snap := h.Snapshot()
		rec.RunID = snap.RunID
		rec.PID = snap.PID
		rec.StartedAt = snap.StartedAt
		rec.StoppedAt = snap.StoppedAt
		rec.Command = h.Spec().CommandLine()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.sinks.Send(ctx, history.Event{Type: typ, OccurredAt: now, Record: rec}); err != nil {
		s.logger.Warn("history sink failed", "event", string(typ), "error", err)
	}
}

// SendInput writes one line to the server's stdin. It does not go through
// the control loop, so a slow write never delays lifecycle commands.
// Failures are also appended to the log as error lines.
func (s *Supervisor) SendInput(text string) error {
	g := s.current()
	if g == nil {
		return s.inputFailed(&NoProcessError{Op: "send input"})
	}
	if err := g.handle.WriteLine(text, s.cfg.WriteTimeout); err != nil {
		if errors.Is(err, process.ErrExited) {
			return s.inputFailed(&NoProcessError{Op: "send input"})
		}
		return s.inputFailed(&WriteError{Err: err})
	}
	metrics.IncInput(s.cfg.Name, true)
	return nil
}

func (s *Supervisor) inputFailed(err error) error {
	metrics.IncInput(s.cfg.Name, false)
	s.repo.Append(state.OriginError, "input failed: "+err.Error())
	s.logger.Warn("input not delivered", "kind", Kind(err), "error", err)
	return loggedError{err}
}

// Info is a point-in-time view of the supervised process.
type Info struct {
	Status     state.Status `json:"status"`
	Running    bool         `json:"running"`
	PID        int          `json:"pid,omitempty"`
	RunID      string       `json:"run_id,omitempty"`
	Generation uint64       `json:"generation,omitempty"`
	StartedAt  time.Time    `json:"started_at,omitempty"`
	Command    string       `json:"command,omitempty"`
	Restarts   uint32       `json:"restarts"`
	Address    string       `json:"address"`
}

// Info reports the current process, if any.
func (s *Supervisor) Info() Info {
	info := Info{Status: s.repo.Status(), Address: s.cfg.Address()}
	s.mu.RLock()
	g := s.cur
	info.Restarts = s.restarts
	s.mu.RUnlock()
	if g != nil {
		snap := g.handle.Snapshot()
		info.Running = g.handle.Alive()
		info.PID = snap.PID
		info.RunID = snap.RunID
		info.Generation = snap.Generation
		info.StartedAt = snap.StartedAt
		info.Command = g.handle.Spec().CommandLine()
	}
	return info
}
