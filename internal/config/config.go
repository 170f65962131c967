// Package config loads the daemon configuration from TOML with an
// OLLAMAD_ environment overlay.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/ollamad/internal/env"
	"github.com/loykin/ollamad/internal/logger"
	"github.com/loykin/ollamad/internal/schedule"
)

// EnvPrefix prefixes environment overrides, e.g. OLLAMAD_OLLAMA_PORT=11500.
const EnvPrefix = "OLLAMAD"

// Config represents the top-level TOML structure.
type Config struct {
	Env      []string `toml:"env" mapstructure:"env"`
	EnvFiles []string `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv bool     `toml:"use_os_env" mapstructure:"use_os_env"`

	Server     ServerConfig     `toml:"server" mapstructure:"server"`
	Ollama     OllamaConfig     `toml:"ollama" mapstructure:"ollama"`
	Supervisor SupervisorConfig `toml:"supervisor" mapstructure:"supervisor"`
	Sampler    SamplerConfig    `toml:"sampler" mapstructure:"sampler"`
	Log        logger.Config    `toml:"log" mapstructure:"log"`
	Metrics    MetricsConfig    `toml:"metrics" mapstructure:"metrics"`
	History    HistoryConfig    `toml:"history" mapstructure:"history"`
}

// TLSConfig enables HTTPS on the control API. Explicit cert/key files win;
// otherwise tls.crt and tls.key are read from Dir, generated there first when
// AutoGenerate is set.
type TLSConfig struct {
	Enabled      bool     `toml:"enabled" mapstructure:"enabled"`
	CertFile     string   `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile      string   `toml:"key_file" mapstructure:"key_file"`
	Dir          string   `toml:"dir" mapstructure:"dir"`
	AutoGenerate bool     `toml:"auto_generate" mapstructure:"auto_generate"`
	DNSNames     []string `toml:"dns_names" mapstructure:"dns_names"`
	ValidDays    int      `toml:"valid_days" mapstructure:"valid_days"`
	MinVersion   string   `toml:"min_version" mapstructure:"min_version"` // "1.2" or "1.3"
}

// AuthConfig requires a bearer token on every API request. TokenHash is the
// bcrypt hash printed by "ollamad hash-token".
type AuthConfig struct {
	Enabled   bool   `toml:"enabled" mapstructure:"enabled"`
	TokenHash string `toml:"token_hash" mapstructure:"token_hash"`
}

// ServerConfig is the control API.
type ServerConfig struct {
	Enabled  bool       `toml:"enabled" mapstructure:"enabled"`
	Listen   string     `toml:"listen" mapstructure:"listen"`
	BasePath string     `toml:"base_path" mapstructure:"base_path"`
	TLS      TLSConfig  `toml:"tls" mapstructure:"tls"`
	Auth     AuthConfig `toml:"auth" mapstructure:"auth"`
}

// OllamaConfig describes how to launch the model server.
type OllamaConfig struct {
	Binary          string   `toml:"binary" mapstructure:"binary"`           // executable path or name on $PATH
	Asset           string   `toml:"asset" mapstructure:"asset"`             // bundled binary copied to binary when set
	ModelsDir       string   `toml:"models_dir" mapstructure:"models_dir"`   // passed as --models
	CreateModelsDir bool     `toml:"create_models_dir" mapstructure:"create_models_dir"`
	Host            string   `toml:"host" mapstructure:"host"`
	Port            int      `toml:"port" mapstructure:"port"`
	ExtraArgs       []string `toml:"extra_args" mapstructure:"extra_args"`
	WorkDir         string   `toml:"workdir" mapstructure:"workdir"`
}

// SupervisorConfig tunes lifecycle handling.
type SupervisorConfig struct {
	Name            string        `toml:"name" mapstructure:"name"`
	AutoStart       bool          `toml:"autostart" mapstructure:"autostart"`
	StopTimeout     time.Duration `toml:"stop_timeout" mapstructure:"stop_timeout"`
	RestartPause    time.Duration `toml:"restart_pause" mapstructure:"restart_pause"`
	StartGrace      time.Duration `toml:"startsecs" mapstructure:"startsecs"`
	WriteTimeout    time.Duration `toml:"write_timeout" mapstructure:"write_timeout"`
	AutoRestart     bool          `toml:"autorestart" mapstructure:"autorestart"`
	RestartInterval time.Duration `toml:"restart_interval" mapstructure:"restart_interval"`
	MaxAutoRestarts int           `toml:"max_auto_restarts" mapstructure:"max_auto_restarts"`
	RestartSchedule string        `toml:"restart_schedule" mapstructure:"restart_schedule"` // cron spec for maintenance restarts
	RestartTimeZone string        `toml:"restart_timezone" mapstructure:"restart_timezone"`
	LogCapacity     int           `toml:"log_capacity" mapstructure:"log_capacity"`         // 0 keeps every line
}

// SamplerConfig tunes resource sampling.
type SamplerConfig struct {
	Interval    time.Duration `toml:"interval" mapstructure:"interval"`
	StoragePath string        `toml:"storage_path" mapstructure:"storage_path"`
	ProbeModel  bool          `toml:"probe_model" mapstructure:"probe_model"`
	HistorySize int           `toml:"history_size" mapstructure:"history_size"`
}

// MetricsConfig enables the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Listen  string `toml:"listen" mapstructure:"listen"`
}

// HistoryConfig lists lifecycle event sinks by DSN. A positive
// SampleInterval also exports one resource sample per interval.
type HistoryConfig struct {
	Sinks          []string      `toml:"sinks" mapstructure:"sinks"`
	SampleInterval time.Duration `toml:"sample_interval" mapstructure:"sample_interval"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("use_os_env", true)
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.listen", "127.0.0.1:11435")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("ollama.binary", "ollama")
	v.SetDefault("ollama.host", "127.0.0.1")
	v.SetDefault("ollama.port", 11434)
	v.SetDefault("ollama.create_models_dir", true)
	v.SetDefault("supervisor.name", "ollama")
	v.SetDefault("supervisor.stop_timeout", "3s")
	v.SetDefault("supervisor.restart_pause", "2s")
	v.SetDefault("supervisor.write_timeout", "5s")
	v.SetDefault("supervisor.restart_interval", "3s")
	v.SetDefault("supervisor.log_capacity", 10000)
	v.SetDefault("sampler.interval", "5s")
	v.SetDefault("sampler.probe_model", true)
	v.SetDefault("sampler.history_size", 100)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.timestamps", true)
	v.SetDefault("metrics.listen", "127.0.0.1:9109")
}

// Default returns the configuration used when no file is given.
func Default() (*Config, error) {
	return load("")
}

// LoadConfig reads path (TOML) and applies OLLAMAD_* environment overrides.
func LoadConfig(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config path is empty")
	}
	return load(path)
}

func load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if path != "" {
		c.resolvePaths(filepath.Dir(path))
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// resolvePaths makes file references relative to the config file directory.
func (c *Config) resolvePaths(base string) {
	rel := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	for i, f := range c.EnvFiles {
		c.EnvFiles[i] = rel(f)
	}
	c.Ollama.ModelsDir = rel(c.Ollama.ModelsDir)
	c.Server.TLS.CertFile = rel(c.Server.TLS.CertFile)
	c.Server.TLS.KeyFile = rel(c.Server.TLS.KeyFile)
	c.Server.TLS.Dir = rel(c.Server.TLS.Dir)
	c.Ollama.Asset = rel(c.Ollama.Asset)
	if strings.ContainsRune(c.Ollama.Binary, filepath.Separator) {
		c.Ollama.Binary = rel(c.Ollama.Binary)
	}
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	if c.Ollama.Port <= 0 || c.Ollama.Port > 65535 {
		return fmt.Errorf("ollama.port %d out of range", c.Ollama.Port)
	}
	if c.Ollama.Asset != "" && c.Ollama.Binary == "" {
		return errors.New("ollama.asset requires ollama.binary as install destination")
	}
	if c.Supervisor.RestartPause > 0 && c.Supervisor.RestartPause < time.Second {
		return fmt.Errorf("supervisor.restart_pause %s is below the 1s minimum", c.Supervisor.RestartPause)
	}
	if c.Supervisor.MaxAutoRestarts < 0 {
		return errors.New("supervisor.max_auto_restarts must not be negative")
	}
	if c.Supervisor.RestartSchedule != "" {
		if err := schedule.Validate(c.Supervisor.RestartSchedule); err != nil {
			return fmt.Errorf("supervisor.restart_schedule: %w", err)
		}
	}
	if c.Supervisor.LogCapacity < 0 {
		return errors.New("supervisor.log_capacity must not be negative")
	}
	if c.Server.Enabled && c.Server.Listen == "" {
		return errors.New("server.listen is required when the API is enabled")
	}
	if t := c.Server.TLS; t.Enabled && (t.CertFile == "") != (t.KeyFile == "") {
		return errors.New("server.tls needs both cert_file and key_file")
	}
	if t := c.Server.TLS; t.Enabled && t.CertFile == "" && t.Dir == "" {
		return errors.New("server.tls needs cert_file/key_file or dir")
	}
	if c.Server.Auth.Enabled && c.Server.Auth.TokenHash == "" {
		return errors.New("server.auth.token_hash is required when auth is enabled")
	}
	if c.History.SampleInterval < 0 {
		return errors.New("history.sample_interval must not be negative")
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return errors.New("metrics.listen is required when metrics are enabled")
	}
	return nil
}

// ProcessEnv composes the server environment: OS (when use_os_env), then
// env_files in order, then env entries. nil means inherit the daemon environment.
func (c *Config) ProcessEnv() ([]string, error) {
	e := env.New()
	if c.UseOSEnv {
		e.WithOS()
	}
	for _, f := range c.EnvFiles {
		if _, err := e.WithFile(f); err != nil {
			return nil, fmt.Errorf("env file %s: %w", f, err)
		}
	}
	e.WithPairs(c.Env)
	if e.Empty() {
		return nil, nil
	}
	return e.Merge(nil), nil
}

// LoadEnvFile parses a .env file and returns "KEY=VALUE" entries.
func LoadEnvFile(path string) ([]string, error) {
	m, err := env.ParseFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// WriteExample writes a commented starter configuration to path.
func WriteExample(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	return os.WriteFile(filepath.Clean(path), []byte(exampleTOML), 0o600)
}

const exampleTOML = `# ollamad configuration
use_os_env = true
env = ["OLLAMA_KEEP_ALIVE=5m"]
# env_files = [".env"]

[ollama]
binary = "ollama"
models_dir = "./models"
create_models_dir = true
host = "127.0.0.1"
port = 11434
extra_args = []

[supervisor]
name = "ollama"
autostart = true
stop_timeout = "3s"
restart_pause = "2s"
startsecs = "0s"
autorestart = false
restart_interval = "3s"
# restart_schedule = "0 4 * * *"
# restart_timezone = "UTC"

[sampler]
interval = "5s"
probe_model = true

[server]
enabled = true
listen = "127.0.0.1:11435"
base_path = "/api"
  [server.tls]
  enabled = false
  # cert_file = "tls/tls.crt"
  # key_file = "tls/tls.key"
  dir = "tls"
  auto_generate = true
  [server.auth]
  enabled = false
  # token_hash = "$2a$10$..."   # from: ollamad hash-token

[metrics]
enabled = false
listen = "127.0.0.1:9109"

[log]
level = "info"
format = "text"
timestamps = true
  [log.file]
  dir = ""

[history]
sinks = []
# sinks = ["sqlite:///var/lib/ollamad/history.db", "opensearch://localhost:9200/ollamad"]
sample_interval = "0s"   # e.g. "1m" to also export resource samples
`
