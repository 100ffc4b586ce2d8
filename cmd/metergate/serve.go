package main

import (
	"context"
	"fmt"
	"os"

	"github.com/artpar/metergate/bootstrap"
	"github.com/artpar/metergate/config"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the metering gateway",
	Long: `Start the metergate server.

The server will:
  - Load configuration from metergate.yaml (or --config)
  - Or load configuration from METERGATE_* environment variables
  - Connect to the shared cache (memory, redis or sqlite)
  - Proxy requests to the upstream API with quota and rate limit headers
  - Report billable requests to the billing provider

Tiers, the default tier and the log level reload on file change or SIGHUP.

Environment variables (for container deployments):
  METERGATE_UPSTREAM_URL      - Upstream API URL (required)
  METERGATE_SERVER_PORT       - Server port (default: 8080)
  METERGATE_BILLING_MODE      - test or live
  METERGATE_BILLING_TEST_KEY  - Provider credential for test mode
  METERGATE_CACHE_DRIVER      - memory, redis or sqlite
  METERGATE_LOG_LEVEL         - debug, info, warn, error

Examples:
  metergate serve
  metergate serve --config /etc/metergate/config.yaml

  # Env vars only:
  METERGATE_UPSTREAM_URL=https://api.example.com metergate serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	_, statErr := os.Stat(cfgFile)
	if statErr != nil && !config.HasEnvConfig() {
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "No configuration found.")
		fmt.Fprintln(out)
		fmt.Fprintf(out, "Option 1: Create %s (see 'metergate validate')\n", cfgFile)
		fmt.Fprintln(out, "Option 2: Set METERGATE_UPSTREAM_URL environment variable")
		return fmt.Errorf("no configuration")
	}

	app, err := bootstrap.New(bootstrap.Options{
		ConfigPath: cfgFile,
		Version:    version,
	})
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	// Blocks until SIGINT or SIGTERM.
	return app.Run(context.Background())
}
