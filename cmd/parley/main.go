// Package main is the entry point for the parley chat host.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dshills/parley/internal/app"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Global flags.
var (
	configPath string
	logLevel   string
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "parley",
		Short: "Chat host with sandboxed plugins",
		Long: `parley is a chat host whose channels, UI fragments and styles come from
plugins. Plugins run in an isolated runtime and reach the host only through
a fixed set of capabilities.

Run without arguments to start the host and follow the plugin directory.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runHost,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to configuration file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(
		newRunCmd(),
		newPluginsCmd(),
		newChannelsCmd(),
		newChatCmd(),
		newSandboxCmd(),
		newVersionCmd(),
	)
	return root
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the host and follow the plugin directory",
		Args:  cobra.NoArgs,
		RunE:  runHost,
	}
}

func runHost(cmd *cobra.Command, _ []string) error {
	a, err := app.New(appOptions(false))
	if err != nil {
		return err
	}
	return a.Run(cmd.Context())
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "parley %s\n", version)
			fmt.Fprintf(out, "Commit: %s\n", commit)
			fmt.Fprintf(out, "Built: %s\n", date)
		},
	}
}

// appOptions builds the application options from the global flags.
// One-shot commands skip the watcher and only log warnings unless asked.
func appOptions(oneShot bool) app.Options {
	level := logLevel
	if oneShot && level == "" {
		level = "warn"
	}
	return app.Options{
		ConfigPath: configPath,
		LogLevel:   level,
		NoWatch:    oneShot,
	}
}

// withApp starts the host without the directory watcher, runs fn once
// plugins are restored, and shuts the host down.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.Application) error) error {
	a, err := app.New(appOptions(true))
	if err != nil {
		return err
	}
	return a.Do(cmd.Context(), func(ctx context.Context) error {
		return fn(ctx, a)
	})
}
