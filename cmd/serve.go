package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"lenslate/internal/config"
	"lenslate/internal/server"
)

// newServeCmd creates and configures the 'serve' subcommand.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the translation service",
		Long: `Starts the HTTP and WebSocket intake, the per-mode worker pools, and the
shared headless browser session, then blocks until SIGINT or SIGTERM.`,
		RunE: runServeCommand,
	}

	return cmd
}

// runServeCommand loads the configuration, assembles the application and
// runs it until shutdown.
func runServeCommand(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	app, err := server.Build(cmd.Context(), cfg, version)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}

	if err := app.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run service: %w", err)
	}

	return nil
}
