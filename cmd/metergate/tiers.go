package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/artpar/metergate/config"
	"github.com/spf13/cobra"
)

var tiersCmd = &cobra.Command{
	Use:   "tiers",
	Short: "Show the active tier table",
	Long: `Show the tier table the gateway would serve with the current configuration.

With no tiers configured the built-in table is shown.

Examples:
  metergate tiers
  metergate tiers --config /etc/metergate/config.yaml`,
	RunE: runTiers,
}

func init() {
	rootCmd.AddCommand(tiersCmd)
}

func runTiers(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithFallback(cfgFile)
	if err != nil {
		return err
	}
	reg, err := cfg.TierRegistry()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tMONTHLY QUOTA\tRATE\tOVERAGE / 1K\tDEFAULT")
	for _, s := range reg.All() {
		def := ""
		if s.Name == reg.Default().Name {
			def = "yes"
		}
		overage := "-"
		if s.BillsOverage() {
			overage = fmt.Sprintf("$%.2f", s.OverageRatePerThousand)
		}
		fmt.Fprintf(w, "%s\t%d\t%d / %dm\t%s\t%s\n",
			s.Name, s.MonthlyQuota, s.RequestsPerWindow, s.WindowMinutes, overage, def)
	}
	return w.Flush()
}
