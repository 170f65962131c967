package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loykin/ollamad"
	"github.com/loykin/ollamad/internal/auth"
	"github.com/loykin/ollamad/internal/config"
	"github.com/loykin/ollamad/internal/server"
	"github.com/loykin/ollamad/internal/tls"
)

const shutdownTimeout = 15 * time.Second

func loadServeConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default()
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	return cfg, nil
}

func runServe(ctx context.Context, path string, flags ServeFlags, out io.Writer) error {
	cfg, err := loadServeConfig(path)
	if err != nil {
		return err
	}
	if flags.Daemonize {
		return daemonize(flags.PidFile, flags.LogFile)
	}
	if flags.PidFile != "" {
		if err := writePidFile(flags.PidFile, os.Getpid()); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = removePidFile(flags.PidFile) }()
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg, flags, out)
}

// serve runs the daemon until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config, flags ServeFlags, out io.Writer) error {
	logger, closer := cfg.Log.New()
	defer func() { _ = closer.Close() }()
	slog.SetDefault(logger)

	if cfg.Metrics.Enabled {
		if err := ollamad.RegisterMetricsDefault(); err != nil {
			logger.Warn("failed to register metrics", "error", err)
		} else {
			go func() {
				if err := ollamad.ServeMetrics(cfg.Metrics.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("metrics server error", "error", err)
				}
			}()
		}
	}

	d, err := ollamad.New(cfg, ollamad.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := d.Close(sctx); err != nil {
			logger.Error("shutdown", "error", err)
		}
	}()

	var srv *http.Server
	if cfg.Server.Enabled {
		srv, err = startAPI(cfg, d)
		if err != nil {
			return err
		}
		scheme := "http"
		if srv.TLSConfig != nil {
			scheme = "https"
		}
		_, _ = fmt.Fprintf(out, "ollamad API on %s://%s%s\n", scheme, cfg.Server.Listen, cfg.Server.BasePath)
	}

	if cfg.Supervisor.AutoStart && !flags.NoStart {
		if err := d.IssueStart(ctx); err != nil {
			// the failure is in the log and status; keep serving so it can be retried
			logger.Error("autostart failed", "error", err)
		}
	}

	<-ctx.Done()
	logger.Info("shutting down")
	if srv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			_ = srv.Close()
		}
	}
	return nil
}

// startAPI binds the listener before returning so address errors surface immediately.
func startAPI(cfg *config.Config, d *ollamad.Daemon) (*http.Server, error) {
	tlsConfig, err := tls.SetupTLS(cfg.Server.TLS)
	if err != nil {
		return nil, fmt.Errorf("failed to set up TLS: %w", err)
	}
	mw, err := auth.New(cfg.Server.Auth)
	if err != nil {
		return nil, fmt.Errorf("failed to set up auth: %w", err)
	}
	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Server.Listen, err)
	}
	r := server.NewRouter(d, cfg.Server.BasePath).WithAuth(mw)
	srv := &http.Server{
		Handler:           r.Handler(),
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		var err error
		if tlsConfig != nil {
			err = srv.ServeTLS(ln, "", "")
		} else {
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server error", "error", err)
		}
	}()
	return srv, nil
}
