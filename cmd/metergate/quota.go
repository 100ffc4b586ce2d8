package main

import (
	"context"
	"fmt"
	"time"

	"github.com/artpar/metergate/adapters/billingapi"
	"github.com/artpar/metergate/config"
	"github.com/artpar/metergate/domain/quota"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Evaluate one billing account against its tier",
	Long: `Fetch the current period's usage for a billing account from the provider
and evaluate it against a tier, the same way the gateway does per request.

Examples:
  metergate quota --account si_123 --tier crawler`,
	RunE: runQuota,
}

var (
	quotaAccount string
	quotaTier    string
)

func init() {
	rootCmd.AddCommand(quotaCmd)

	quotaCmd.Flags().StringVar(&quotaAccount, "account", "", "billing account reference (required)")
	quotaCmd.Flags().StringVar(&quotaTier, "tier", "", "tier name (default: the configured default tier)")
	quotaCmd.MarkFlagRequired("account")
}

func runQuota(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithFallback(cfgFile)
	if err != nil {
		return err
	}
	apiKey := cfg.Billing.APIKey()
	if apiKey == "" {
		return fmt.Errorf("no billing credential configured for %s mode", cfg.Billing.Mode)
	}

	reg, err := cfg.TierRegistry()
	if err != nil {
		return err
	}
	spec := reg.Resolve(quotaTier)

	provider := billingapi.NewProvider(billingapi.NewClient(billingapi.ClientConfig{
		BaseURL: cfg.Billing.BaseURL,
		APIKey:  apiKey,
		Timeout: cfg.Billing.Timeout,
	}), zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Billing.Timeout+time.Second)
	defer cancel()

	used, err := provider.UsageTotal(ctx, quotaAccount)
	if err != nil {
		return fmt.Errorf("fetch usage: %w", err)
	}

	s := quota.Evaluate(used, spec, time.Now())

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Account:   %s\n", quotaAccount)
	fmt.Fprintf(out, "Tier:      %s\n", s.Tier)
	fmt.Fprintf(out, "Used:      %d / %d (%.1f%%)\n", s.Used, s.Limit, s.PercentUsed())
	fmt.Fprintf(out, "Remaining: %d\n", s.Remaining)
	fmt.Fprintf(out, "Overage:   %d\n", s.Overage)
	if s.Overage > 0 {
		fmt.Fprintf(out, "Est. cost: $%.2f\n", quota.EstimatedOverageCost(s))
	}
	fmt.Fprintf(out, "Warning:   %s\n", s.WarningLevel)
	fmt.Fprintf(out, "Resets:    %s\n", s.ResetDate)
	return nil
}
