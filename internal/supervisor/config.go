package supervisor

import (
	"net"
	"strconv"
	"time"
)

// Defaults for Config.
const (
	DefaultName            = "ollama"
	DefaultHost            = "127.0.0.1"
	DefaultPort            = 11434
	DefaultStopTimeout     = 3 * time.Second
	DefaultRestartPause    = 2 * time.Second
	MinRestartPause        = 1 * time.Second
	DefaultDrainTimeout    = 2 * time.Second
	DefaultWriteTimeout    = 5 * time.Second
	DefaultRestartInterval = 3 * time.Second
)

// Config tunes the supervisor. Zero values take the defaults above.
type Config struct {
	Name      string
	Host      string
	Port      int
	ExtraArgs []string // appended after the serve arguments
	Env       []string // full child environment; empty inherits ours
	WorkDir   string

	StopTimeout  time.Duration // SIGTERM grace before SIGKILL
	RestartPause time.Duration // pause between stop and start on restart
	StartGrace   time.Duration // process must survive this long to count as started; 0 disables
	DrainTimeout time.Duration // wait for output readers after exit
	WriteTimeout time.Duration // bound for a single stdin write

	SampleInterval time.Duration
	StoragePath    string // filesystem reported as storage usage; defaults to the model directory
	ProbeModel     bool   // query the server API for the loaded model

	AutoRestart     bool
	RestartInterval time.Duration
	MaxAutoRestarts int // 0 means unlimited
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = DefaultName
	}
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port <= 0 {
		c.Port = DefaultPort
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.RestartPause <= 0 {
		c.RestartPause = DefaultRestartPause
	}
	if c.RestartPause < MinRestartPause {
		c.RestartPause = MinRestartPause
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.RestartInterval <= 0 {
		c.RestartInterval = DefaultRestartInterval
	}
	return c
}

// Address is the host:port the server listens on.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// BaseURL is the server's HTTP endpoint.
func (c Config) BaseURL() string { return "http://" + c.Address() }

// ServeArgs builds the server command line: serve --host H --port P --models DIR [extra...].
func ServeArgs(host string, port int, modelsDir string, extra []string) []string {
	args := []string{"serve", "--host", host, "--port", strconv.Itoa(port), "--models", modelsDir}
	return append(args, extra...)
}
