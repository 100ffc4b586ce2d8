package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "metergate",
	Short: "Usage metering gateway with tiered quotas, rate limits and overage billing",
	Long: `metergate sits in front of an API and meters every request.

Each caller is resolved to a pricing tier, held to its rate window, told
where it stands against its monthly quota, and billed per request once
the quota is used up.

Quick start:
  metergate keys generate --subject acme --tier crawler --account si_123
  metergate serve

Inspection:
  metergate validate   # Validate configuration
  metergate tiers      # Show the active tier table
  metergate quota      # Evaluate one account against the provider`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "metergate.yaml", "config file path")
}
