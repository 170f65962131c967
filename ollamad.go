// Package ollamad supervises a single local model server process: it starts,
// stops and restarts it, captures its output, samples resource usage and
// exposes all of it through an observable repository.
package ollamad

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/ollamad/internal/command"
	cfg "github.com/loykin/ollamad/internal/config"
	"github.com/loykin/ollamad/internal/history"
	"github.com/loykin/ollamad/internal/history/factory"
	"github.com/loykin/ollamad/internal/install"
	"github.com/loykin/ollamad/internal/metrics"
	"github.com/loykin/ollamad/internal/output"
	"github.com/loykin/ollamad/internal/sampler"
	"github.com/loykin/ollamad/internal/schedule"
	"github.com/loykin/ollamad/internal/state"
	"github.com/loykin/ollamad/internal/supervisor"
)

// Re-export core types for external consumers.

type Config = cfg.Config

type Line = state.Line

type Status = state.Status

type ResourceStats = state.ResourceStats

type Handlers = state.Handlers

type Subscription = state.Subscription

type Info = supervisor.Info

type ScheduledRun = schedule.Run

type HistorySink = history.Sink

// Error taxonomy.
type (
	ConfigError         = supervisor.ConfigError
	InstallError        = supervisor.InstallError
	SpawnError          = supervisor.SpawnError
	RuntimeIOError      = supervisor.RuntimeIOError
	WriteError          = supervisor.WriteError
	NoProcessError      = supervisor.NoProcessError
	UnexpectedExitError = supervisor.UnexpectedExitError
)

var ErrNoProcess = supervisor.ErrNoProcess

// Option customizes New.
type Option func(*options)

type options struct {
	logger *slog.Logger
	source sampler.Source
	models install.ModelDirResolver
	binary install.BinaryInstaller
	sinks  []history.Sink
}

func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithSource replaces the host resource source, mostly for tests.
func WithSource(s sampler.Source) Option { return func(o *options) { o.source = s } }

// WithModelDir overrides the model directory resolution derived from config.
func WithModelDir(r install.ModelDirResolver) Option { return func(o *options) { o.models = r } }

// WithBinary overrides the server binary installation derived from config.
func WithBinary(b install.BinaryInstaller) Option { return func(o *options) { o.binary = b } }

// WithHistorySinks replaces the sinks built from history.sinks.
func WithHistorySinks(sinks ...HistorySink) Option {
	return func(o *options) { o.sinks = append(o.sinks, sinks...) }
}

// Daemon owns the repository, the supervisor and everything observing them.
type Daemon struct {
	cfg    *Config
	repo   *state.Repository
	sup    *supervisor.Supervisor
	cmds   *command.Channel
	hist   *sampler.History
	sched  *schedule.Scheduler
	tee    *output.Tee
	sinks  history.Fanout
	logger *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// New builds a daemon from c. A nil c uses the defaults. The server is not
// started; call IssueStart.
func New(c *Config, opts ...Option) (*Daemon, error) {
	if c == nil {
		def, err := cfg.Default()
		if err != nil {
			return nil, err
		}
		c = def
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	o := options{logger: slog.Default()}
	for _, fn := range opts {
		fn(&o)
	}

	env, err := c.ProcessEnv()
	if err != nil {
		return nil, err
	}
	sinks := history.Fanout(o.sinks)
	if o.sinks == nil {
		if sinks, err = factory.NewFanout(c.History.Sinks); err != nil {
			return nil, err
		}
	}
	name := c.Supervisor.Name
	if name == "" {
		name = supervisor.DefaultName
	}
	tee, err := output.NewTee(c.Log, name)
	if err != nil {
		_ = sinks.Close()
		return nil, err
	}

	if o.models == nil {
		o.models = install.StaticModelDir{Path: c.Ollama.ModelsDir, Create: c.Ollama.CreateModelsDir}
	}
	if o.binary == nil {
		if c.Ollama.Asset != "" {
			o.binary = install.AssetInstaller{Asset: c.Ollama.Asset, Dest: c.Ollama.Binary}
		} else {
			o.binary = install.PathBinary{Path: c.Ollama.Binary}
		}
	}

	d := &Daemon{
		cfg:    c,
		repo:   state.New(state.WithCapacity(c.Supervisor.LogCapacity)),
		hist:   sampler.NewHistory(c.Sampler.HistorySize),
		tee:    tee,
		sinks:  sinks,
		logger: o.logger,
	}
	exporter := history.NewSampleExporter(sinks, name, c.History.SampleInterval, o.logger)
	supOpts := []supervisor.Option{
		supervisor.WithCollaborators(o.models, o.binary),
		supervisor.WithHistory(sinks...),
		supervisor.WithLogger(o.logger),
		supervisor.WithStatsObserver(func(st state.ResourceStats) {
			d.hist.Add(st)
			exporter.Offer(sampleTime(st), toSample(st))
		}),
	}
	if o.source != nil {
		supOpts = append(supOpts, supervisor.WithSource(o.source))
	}
	if tee != nil {
		supOpts = append(supOpts, supervisor.WithTee(tee))
	}
	d.sup = supervisor.New(d.repo, supervisor.Config{
		Name:            name,
		Host:            c.Ollama.Host,
		Port:            c.Ollama.Port,
		ExtraArgs:       c.Ollama.ExtraArgs,
		Env:             env,
		WorkDir:         c.Ollama.WorkDir,
		StopTimeout:     c.Supervisor.StopTimeout,
		RestartPause:    c.Supervisor.RestartPause,
		StartGrace:      c.Supervisor.StartGrace,
		WriteTimeout:    c.Supervisor.WriteTimeout,
		SampleInterval:  c.Sampler.Interval,
		StoragePath:     c.Sampler.StoragePath,
		ProbeModel:      c.Sampler.ProbeModel,
		AutoRestart:     c.Supervisor.AutoRestart,
		RestartInterval: c.Supervisor.RestartInterval,
		MaxAutoRestarts: c.Supervisor.MaxAutoRestarts,
	}, supOpts...)
	d.cmds = command.New(d.sup, d.repo, o.logger)

	if c.Supervisor.RestartSchedule != "" {
		sched, err := schedule.New(schedule.Spec{
			Name:     name,
			Schedule: c.Supervisor.RestartSchedule,
			TimeZone: c.Supervisor.RestartTimeZone,
		}, scheduleTarget{d}, o.logger)
		if err != nil {
			_ = d.Close(context.Background())
			return nil, err
		}
		d.sched = sched
		sched.Start()
	}
	return d, nil
}

// Config returns the configuration the daemon was built from.
func (d *Daemon) Config() *Config { return d.cfg }

// Log returns a snapshot of the output log.
func (d *Daemon) Log() []Line { return d.repo.Log() }

// LogSince returns up to limit lines with a sequence number above after.
func (d *Daemon) LogSince(after uint64, limit int) []Line { return d.repo.LogSince(after, limit) }

func (d *Daemon) Status() Status { return d.repo.Status() }

func (d *Daemon) Stats() ResourceStats { return d.repo.Stats() }

func (d *Daemon) IsRunning() bool { return d.repo.Running() }

// Info describes the current process.
func (d *Daemon) Info() Info { return d.sup.Info() }

// StatsHistory returns up to n recent samples, oldest first. n <= 0 returns all kept samples.
func (d *Daemon) StatsHistory(n int) []ResourceStats { return d.hist.Last(n) }

// Subscribe registers handlers for future repository changes.
func (d *Daemon) Subscribe(h Handlers) *Subscription { return d.repo.Subscribe(h) }

// SubscribeWithHistory replays the current log, status and stats before live changes.
func (d *Daemon) SubscribeWithHistory(h Handlers) *Subscription {
	return d.repo.SubscribeWithHistory(h)
}

func (d *Daemon) IssueStart(ctx context.Context) error { return d.sup.Start(ctx) }

func (d *Daemon) IssueStop(ctx context.Context) error { return d.sup.Stop(ctx) }

func (d *Daemon) IssueRestart(ctx context.Context) error { return d.sup.Restart(ctx) }

// IssueInput sends one line to the server's standard input.
func (d *Daemon) IssueInput(ctx context.Context, text string) error {
	return d.cmds.Issue(ctx, text)
}

// ClearLog empties the output log. Status and stats are kept.
func (d *Daemon) ClearLog() { d.repo.Clear() }

// NextScheduledRestart is zero when no restart schedule is configured.
func (d *Daemon) NextScheduledRestart() time.Time {
	if d.sched == nil {
		return time.Time{}
	}
	return d.sched.Next()
}

// ScheduledRuns lists recent scheduled restarts.
func (d *Daemon) ScheduledRuns() []ScheduledRun {
	if d.sched == nil {
		return nil
	}
	return d.sched.Runs()
}

// Close stops the server and releases every resource. It is safe to call more than once.
func (d *Daemon) Close(ctx context.Context) error {
	d.closeOnce.Do(func() {
		if d.sched != nil {
			d.sched.Stop()
		}
		d.cmds.Close()
		errs := []error{d.sup.Shutdown(ctx)}
		d.repo.Close()
		if d.tee != nil {
			errs = append(errs, d.tee.Close())
		}
		errs = append(errs, d.sinks.Close())
		d.closeErr = errors.Join(errs...)
	})
	return d.closeErr
}

func sampleTime(st state.ResourceStats) time.Time {
	if st.Timestamp.IsZero() {
		return time.Now()
	}
	return st.Timestamp
}

func toSample(st state.ResourceStats) history.Sample {
	return history.Sample{
		SystemMemoryUsed:  st.SystemMemoryUsed,
		SystemSwapUsed:    st.SystemSwapUsed,
		ProcessCPUPercent: st.ProcessCPUPercent,
		ProcessMemoryUsed: st.ProcessMemoryUsed,
		StorageUsed:       st.StorageUsed,
		TokensGenerated:   st.TokensGenerated,
		ActiveConnections: st.ActiveConnections,
		Model:             st.CurrentModel,
	}
}

type scheduleTarget struct{ d *Daemon }

func (t scheduleTarget) Running() bool { return t.d.IsRunning() }

func (t scheduleTarget) Restart(ctx context.Context) error {
	t.d.repo.Append(state.OriginSystem, "scheduled restart")
	if !t.d.IsRunning() {
		return t.d.IssueStart(ctx)
	}
	return t.d.IssueRestart(ctx)
}

func LoadConfig(path string) (*Config, error) { return cfg.LoadConfig(path) }

// DefaultConfig returns the built-in configuration with the environment overlay applied.
func DefaultConfig() (*Config, error) { return cfg.Default() }

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

func RegisterMetricsDefault() error { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics serves the default Prometheus registry on addr until the server fails.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	return srv.ListenAndServe()
}
