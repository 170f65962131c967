package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes the daemon's own structured logger and the files that
// capture the supervised server's output.
type Config struct {
	Level      string     `toml:"level" mapstructure:"level"`   // debug, info, warn, error
	Format     string     `toml:"format" mapstructure:"format"` // text, json, color
	TimeStamps bool       `toml:"timestamps" mapstructure:"timestamps"`
	File       FileConfig `toml:"file" mapstructure:"file"`
}

// FileConfig describes file destinations.
// If StdoutPath/StderrPath are empty, and Dir is set, files will be
// Dir/<name>.stdout.log and Dir/<name>.stderr.log
// Rotation parameters follow lumberjack semantics.
type FileConfig struct {
	Dir        string `toml:"dir" mapstructure:"dir"`                 // base directory for logs
	StdoutPath string `toml:"stdout" mapstructure:"stdout"`           // explicit stdout path overrides Dir
	StderrPath string `toml:"stderr" mapstructure:"stderr"`           // explicit stderr path overrides Dir
	DaemonPath string `toml:"daemon" mapstructure:"daemon"`           // daemon log file; empty logs to stderr
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"` // megabytes before rotation (default 10)
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"` // number of backups to keep (default 3)
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"` // Gzip rotated files
}

// ProcessWriters returns io.WriteClosers for stdout and stderr for given process name.
func (c Config) ProcessWriters(name string) (io.WriteCloser, io.WriteCloser, error) {
	stdout := c.File.StdoutPath
	stderr := c.File.StderrPath
	if stdout == "" && c.File.Dir != "" {
		stdout = filepath.Join(c.File.Dir, fmt.Sprintf("%s.stdout.log", name))
	}
	if stderr == "" && c.File.Dir != "" {
		stderr = filepath.Join(c.File.Dir, fmt.Sprintf("%s.stderr.log", name))
	}
	var outW io.WriteCloser
	var errW io.WriteCloser
	if stdout != "" {
		outW = c.File.rotating(stdout)
	}
	if stderr != "" {
		errW = c.File.rotating(stderr)
	}
	return outW, errW, nil
}

func (f FileConfig) rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(f.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(f.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(f.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   f.Compress,
	}
}

// New builds the daemon logger. The returned closer releases the log file, if any.
func (c Config) New() (*slog.Logger, io.Closer) {
	var w io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if c.File.DaemonPath != "" {
		l := c.File.rotating(c.File.DaemonPath)
		w, closer = l, l
	}
	return slog.New(c.handler(w)), closer
}

func (c Config) handler(w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: ParseLevel(c.Level)}
	if !c.TimeStamps && strings.ToLower(c.Format) != "json" {
		opts.ReplaceAttr = dropTime
	}
	switch strings.ToLower(c.Format) {
	case "json":
		return slog.NewJSONHandler(w, opts)
	case "color":
		return NewColorTextHandler(w, opts, c.TimeStamps)
	default:
		return slog.NewTextHandler(w, opts)
	}
}

func dropTime(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.TimeKey {
		return slog.Attr{}
	}
	return a
}

// ParseLevel maps a level name to slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
