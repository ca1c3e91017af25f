// Package cli wires the command-line entrypoint of the build orchestrator.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/buildsmith/buildsmith/engine/infra/server"
	"github.com/buildsmith/buildsmith/pkg/logger"
)

func RootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "buildsmith",
		Short: "Multi-architecture build orchestrator",
		Long: "buildsmith accepts build requests over HTTP, queues them per target " +
			"machine and drives the configured build pipeline, streaming live output " +
			"to subscribers.",
		SilenceUsage: true,
		RunE:         runServer,
	}

	root.Flags().StringP("config", "c", "config.toml", "Path to the TOML configuration file")
	root.Flags().String("host", "0.0.0.0", "Address to listen on")
	root.Flags().Int("port", 3000, "Port to listen on")
	root.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	root.Flags().Bool("log-json", false, "Emit logs as JSON")
	root.Flags().String("log-dir", "logs", "Directory for rotated log files (empty disables the file sink)")

	return root
}

func runServer(cmd *cobra.Command, _ []string) error {
	configFile, err := cmd.Flags().GetString("config")
	if err != nil {
		return fmt.Errorf("failed to get config flag: %w", err)
	}
	host, err := cmd.Flags().GetString("host")
	if err != nil {
		return fmt.Errorf("failed to get host flag: %w", err)
	}
	port, err := cmd.Flags().GetInt("port")
	if err != nil {
		return fmt.Errorf("failed to get port flag: %w", err)
	}
	logLevel, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return fmt.Errorf("failed to get log-level flag: %w", err)
	}
	logJSON, err := cmd.Flags().GetBool("log-json")
	if err != nil {
		return fmt.Errorf("failed to get log-json flag: %w", err)
	}
	logDir, err := cmd.Flags().GetString("log-dir")
	if err != nil {
		return fmt.Errorf("failed to get log-dir flag: %w", err)
	}

	if err := logger.SetupLogger(logLevel, logJSON, logDir); err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}

	srv := server.NewServer(server.Config{
		Host:       host,
		Port:       port,
		ConfigFile: configFile,
	})
	return srv.Run()
}
