package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/ollamad/internal/config"
	"github.com/loykin/ollamad/internal/tls"
	"github.com/loykin/ollamad/pkg/client"
)

const defaultAPIUrl = "http://127.0.0.1:11435/api"

type command struct {
	flags *GlobalFlags
}

// apiURL picks --api-url, then the server section of --config, then the default.
func (c *command) apiURL() (string, string, error) {
	if c.flags.APIUrl != "" {
		return c.flags.APIUrl, c.flags.CACert, nil
	}
	if c.flags.ConfigPath == "" {
		return defaultAPIUrl, c.flags.CACert, nil
	}
	cfg, err := config.LoadConfig(c.flags.ConfigPath)
	if err != nil {
		return "", "", fmt.Errorf("error loading config: %w", err)
	}
	scheme := "http"
	ca := c.flags.CACert
	if cfg.Server.TLS.Enabled {
		scheme = "https"
		if ca == "" && cfg.Server.TLS.CertFile == "" {
			ca = tls.CAFile(cfg.Server.TLS)
		}
	}
	return scheme + "://" + dialAddr(cfg.Server.Listen) + cfg.Server.BasePath, ca, nil
}

// dialAddr turns a wildcard listen address into a loopback one.
func dialAddr(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func (c *command) client(ctx context.Context) (*client.Client, error) {
	u, ca, err := c.apiURL()
	if err != nil {
		return nil, err
	}
	cfg := client.Config{BaseURL: u, Timeout: c.flags.APITimeout, Insecure: c.flags.Insecure, Token: c.flags.Token}
	if ca != "" {
		cfg.TLS = &client.TLSClientConfig{Enabled: true, CACert: ca}
	}
	cl := client.New(cfg)
	if !cl.IsReachable(ctx) {
		var apiErr *client.APIError
		if _, err := cl.Status(ctx); errors.As(err, &apiErr) && apiErr.Unauthorized() {
			return nil, errors.New("daemon rejected the request - pass --token or set OLLAMAD_TOKEN")
		}
		return nil, fmt.Errorf("daemon not reachable at %s - start it first with 'ollamad serve'", u)
	}
	return cl, nil
}

func (c *command) lifecycle(cmd *cobra.Command, op func(*client.Client, context.Context) error) error {
	ctx := cmdContext(cmd)
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	if err := op(cl, ctx); err != nil {
		return err
	}
	st, err := cl.Status(ctx)
	if err != nil {
		return err
	}
	printStatus(cmd.OutOrStdout(), st)
	return nil
}

func (c *command) Start(cmd *cobra.Command) error {
	return c.lifecycle(cmd, (*client.Client).Start)
}

func (c *command) Stop(cmd *cobra.Command) error {
	return c.lifecycle(cmd, (*client.Client).Stop)
}

func (c *command) Restart(cmd *cobra.Command) error {
	return c.lifecycle(cmd, (*client.Client).Restart)
}

func (c *command) Status(cmd *cobra.Command, f StatusFlags) error {
	ctx := cmdContext(cmd)
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if f.Watch {
		return cl.Events(ctx, true, func(ev client.Event) bool {
			if ev.Name != "status" {
				return true
			}
			var st client.Status
			if err := json.Unmarshal(ev.Data, &st); err != nil {
				return true
			}
			if f.JSON {
				_, _ = fmt.Fprintln(out, string(ev.Data))
			} else {
				_, _ = fmt.Fprintf(out, "%s %s\n", time.Now().Format(time.TimeOnly), formatPhase(st))
			}
			return true
		})
	}
	st, err := cl.Status(ctx)
	if err != nil {
		return err
	}
	if f.JSON {
		printJSON(out, st)
		return nil
	}
	printStatus(out, st)
	if st.Running {
		if stats, err := cl.Stats(ctx); err == nil {
			printStats(out, stats)
		}
	}
	return nil
}

func (c *command) Input(cmd *cobra.Command, text string) error {
	if strings.TrimSpace(text) == "" {
		return errors.New("input text is required")
	}
	ctx := cmdContext(cmd)
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	var apiErr *client.APIError
	if err := cl.Input(ctx, text); errors.As(err, &apiErr) && apiErr.NoProcess() {
		return errors.New("server is not running")
	} else if err != nil {
		return err
	}
	return nil
}

func (c *command) Log(cmd *cobra.Command, f LogFlags) error {
	ctx := cmdContext(cmd)
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	lr, err := cl.Log(ctx, f.Since, f.Limit)
	if err != nil {
		return err
	}
	for _, l := range lr.Lines {
		printLine(out, l)
	}
	if !f.Follow {
		return nil
	}
	last := lr.Next
	return cl.Events(ctx, false, func(ev client.Event) bool {
		switch ev.Name {
		case "line":
			var l client.Line
			if err := json.Unmarshal(ev.Data, &l); err == nil && l.Seq > last {
				last = l.Seq
				printLine(out, l)
			}
		case "clear":
			_, _ = fmt.Fprintln(out, "-- log cleared --")
		}
		return true
	})
}

func (c *command) Clear(cmd *cobra.Command) error {
	ctx := cmdContext(cmd)
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	if err := cl.ClearLog(ctx); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), "log cleared")
	return nil
}

func (c *command) Stats(cmd *cobra.Command, history int) error {
	ctx := cmdContext(cmd)
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if history > 0 {
		samples, err := cl.StatsHistory(ctx, history)
		if err != nil {
			return err
		}
		printJSON(out, samples)
		return nil
	}
	stats, err := cl.Stats(ctx)
	if err != nil {
		return err
	}
	printStats(out, stats)
	return nil
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func formatPhase(st client.Status) string {
	if st.Reason != "" {
		return st.Phase + ": " + st.Reason
	}
	return st.Phase
}

func printStatus(w io.Writer, st client.StatusResponse) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "status:\t%s\n", formatPhase(st.Status))
	_, _ = fmt.Fprintf(tw, "address:\t%s\n", st.Info.Address)
	if st.Info.PID > 0 {
		_, _ = fmt.Fprintf(tw, "pid:\t%d\n", st.Info.PID)
		_, _ = fmt.Fprintf(tw, "uptime:\t%s\n", time.Since(st.Info.StartedAt).Truncate(time.Second))
		_, _ = fmt.Fprintf(tw, "command:\t%s\n", st.Info.Command)
	}
	if st.Info.Restarts > 0 {
		_, _ = fmt.Fprintf(tw, "restarts:\t%d\n", st.Info.Restarts)
	}
	if st.NextRestart != nil {
		_, _ = fmt.Fprintf(tw, "next restart:\t%s\n", st.NextRestart.Local().Format(time.RFC3339))
	}
	_ = tw.Flush()
}

func printStats(w io.Writer, s client.Stats) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "system memory:\t%s\n", formatBytes(s.SystemMemoryUsed))
	_, _ = fmt.Fprintf(tw, "system swap:\t%s\n", formatBytes(s.SystemSwapUsed))
	if s.ProcessCPUPercent >= 0 {
		_, _ = fmt.Fprintf(tw, "process cpu:\t%.1f%%\n", s.ProcessCPUPercent)
	} else {
		_, _ = fmt.Fprintf(tw, "process cpu:\tn/a\n")
	}
	_, _ = fmt.Fprintf(tw, "process memory:\t%s\n", formatBytes(s.ProcessMemoryUsed))
	_, _ = fmt.Fprintf(tw, "storage:\t%s\n", formatBytes(s.StorageUsed))
	_, _ = fmt.Fprintf(tw, "tokens:\t%d\n", s.TokensGenerated)
	if s.ActiveConnections >= 0 {
		_, _ = fmt.Fprintf(tw, "connections:\t%d\n", s.ActiveConnections)
	}
	if s.CurrentModel != "" {
		_, _ = fmt.Fprintf(tw, "model:\t%s\n", s.CurrentModel)
	}
	_ = tw.Flush()
}

func printLine(w io.Writer, l client.Line) {
	prefix := ""
	switch l.Origin {
	case "stderr":
		prefix = "! "
	case "system":
		prefix = "# "
	case "error":
		prefix = "E "
	}
	_, _ = fmt.Fprintf(w, "%s %s%s\n", l.Time.Local().Format(time.TimeOnly), prefix, l.Text)
}
