package main

import (
	"github.com/spf13/cobra"

	"github.com/dshills/parley/internal/app"
	"github.com/dshills/parley/internal/config"
)

func newSandboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sandbox",
		Short: "Run the plugin runtime out of process",
	}

	var addr string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Serve the plugin runtime over websocket",
		Long: `Serve the plugin runtime over websocket. Hosts configured with
sandbox.mode = "websocket" connect to it; each connection gets its own runtime.
Prometheus metrics are served at /metrics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := configPath
			if path == "" {
				path = config.DefaultPath()
			}
			cfg, err := config.Load(path, configPath != "")
			if err != nil {
				return err
			}
			level := cfg.Log.Level
			if logLevel != "" {
				level = logLevel
			}
			logger, err := app.NewLogger(level, cfg.Log.Development)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			if addr == "" {
				addr = cfg.Sandbox.Address
			}
			return app.NewSandboxServer(cfg.Sandbox, logger).ListenAndServe(cmd.Context(), addr)
		},
	}
	serve.Flags().StringVar(&addr, "addr", "", "listen address (defaults to sandbox.address)")
	cmd.AddCommand(serve)
	return cmd
}
