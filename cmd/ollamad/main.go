package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/ollamad/internal/auth"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and all subcommands.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	serveFlags := &ServeFlags{}
	statusFlags := &StatusFlags{}
	logFlags := &LogFlags{}
	inputFlags := &InputFlags{}

	c := &command{flags: globalFlags}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags, serveFlags),
		createLifecycleCommand("start", "Start the model server", c.Start),
		createLifecycleCommand("stop", "Stop the model server", c.Stop),
		createLifecycleCommand("restart", "Stop, pause and start the model server", c.Restart),
		createStatusCommand(c, statusFlags),
		createInputCommand(c, inputFlags),
		createLogCommand(c, logFlags),
		createClearCommand(c),
		createStatsCommand(c),
		createInitConfigCommand(),
		createHashTokenCommand(),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "ollamad",
		Short: "Supervisor for a local model server",
		Long: `ollamad runs a local model server as a supervised child process, captures its
output, samples resource usage and exposes control over an HTTP API.

Examples:
  ollamad init-config ollamad.toml
  ollamad serve --config ollamad.toml     # run the daemon
  ollamad status                          # query the local daemon
  ollamad input "/show info"
  ollamad log --follow
  ollamad restart --api-url=https://host:11435/api --ca-cert=tls/tls_ca.crt`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "daemon API URL (default derived from config or http://127.0.0.1:11435/api)")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 30*time.Second, "request timeout")
	root.PersistentFlags().StringVar(&flags.CACert, "ca-cert", "", "CA certificate for an HTTPS daemon")
	root.PersistentFlags().BoolVar(&flags.Insecure, "insecure", false, "skip TLS verification")
	root.PersistentFlags().StringVar(&flags.Token, "token", os.Getenv("OLLAMAD_TOKEN"), "API bearer token (default $OLLAMAD_TOKEN)")
	return root
}

func createServeCommand(globalFlags *GlobalFlags, serveFlags *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the ollamad daemon",
		Long: `Run the daemon: load the configuration, start the control API and, when
supervisor.autostart is set, the model server. Runs until SIGINT or SIGTERM.

Examples:
  ollamad serve                         # built-in defaults
  ollamad serve ollamad.toml
  ollamad serve --config ollamad.toml --daemonize --pidfile ollamad.pid`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := globalFlags.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			return runServe(cmd.Context(), path, *serveFlags, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write the daemon PID to this file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon output to file when daemonized")
	cmd.Flags().BoolVar(&serveFlags.NoStart, "no-start", false, "do not start the model server automatically")
	return cmd
}

func createLifecycleCommand(use, short string, run func(*cobra.Command) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd)
		},
	}
}

func createStatusCommand(c *command, flags *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show server status and resource usage",
		Long: `Show the server status. With --watch, print every status change as it
happens; useful for desktop notifiers and shell prompts.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Status(cmd, *flags)
		},
	}
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print raw JSON")
	cmd.Flags().BoolVarP(&flags.Watch, "watch", "w", false, "follow status changes")
	return cmd
}

func createInputCommand(c *command, flags *InputFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "input [text]",
		Short: "Send one line to the server's standard input",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := flags.Text
			if len(args) > 0 {
				text = args[0]
			}
			return c.Input(cmd, text)
		},
	}
	cmd.Flags().StringVar(&flags.Text, "text", "", "line to send")
	return cmd
}

func createLogCommand(c *command, flags *LogFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Print captured server output",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Log(cmd, *flags)
		},
	}
	cmd.Flags().Uint64Var(&flags.Since, "since", 0, "only lines after this sequence number")
	cmd.Flags().IntVarP(&flags.Limit, "lines", "n", 0, "only the newest N lines (0 = all)")
	cmd.Flags().BoolVarP(&flags.Follow, "follow", "f", false, "keep printing new lines")
	return cmd
}

func createClearCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Clear the captured output log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Clear(cmd)
		},
	}
}

func createStatsCommand(c *command) *cobra.Command {
	var history int
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print the latest resource sample",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Stats(cmd, history)
		},
	}
	cmd.Flags().IntVar(&history, "history", 0, "print the last N samples as JSON instead")
	return cmd
}

func createInitConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init-config [path]",
		Short: "Write a starter configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "ollamad.toml"
			if len(args) > 0 {
				path = args[0]
			}
			if err := writeExampleConfig(path); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
}

func createHashTokenCommand() *cobra.Command {
	var cost int
	cmd := &cobra.Command{
		Use:   "hash-token <token>",
		Short: "Print the bcrypt hash for server.auth.token_hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := auth.HashToken(args[0], cost)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), h)
			return nil
		},
	}
	cmd.Flags().IntVar(&cost, "cost", 0, "bcrypt cost (0 = default)")
	return cmd
}
