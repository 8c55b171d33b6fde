// Package cmd defines and implements the CLI commands for the lenslate executable.
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// version is stamped at build time via -ldflags.
var version = "dev"

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "lenslate",
		Short:   "In-page image translation service built on the Lens flow.",
		Version: version,
		Long: `lenslate accepts image jobs over REST or WebSocket, pushes them through
the Google Lens translation flow, and serves the translated overlays and
OCR-style annotations back to the caller.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is environment-only)")

	cmd.AddCommand(newServeCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
