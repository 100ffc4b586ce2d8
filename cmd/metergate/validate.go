package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/artpar/metergate/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration before deployment",
	Long: `Validate the metergate configuration file.

Checks:
  - YAML syntax is valid
  - Required fields are present
  - The tier table and static keys are consistent
  - Upstream is reachable (optional)

Examples:
  metergate validate
  metergate validate --print
  metergate validate --config /etc/metergate/config.yaml --check-upstream`,
	RunE: runValidate,
}

var (
	validateCheckUpstream bool
	validatePrint         bool
)

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().BoolVar(&validateCheckUpstream, "check-upstream", false, "check if upstream is reachable")
	validateCmd.Flags().BoolVar(&validatePrint, "print", false, "print the effective configuration with credentials masked")
}

func runValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Validating %s...\n\n", cfgFile)

	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		fmt.Fprintf(out, "  %s Config file exists\n", crossMark)
		return fmt.Errorf("config file not found: %s", cfgFile)
	}
	fmt.Fprintf(out, "  %s Config file exists\n", checkMark)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(out, "  %s Config valid\n", crossMark)
		return fmt.Errorf("config error: %w", err)
	}
	fmt.Fprintf(out, "  %s Config valid\n", checkMark)

	reg, err := cfg.TierRegistry()
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "  %s Upstream: %s\n", checkMark, cfg.Upstream.URL)
	fmt.Fprintf(out, "  %s Cache: %s\n", checkMark, cfg.Cache.Driver)
	fmt.Fprintf(out, "  %s Tiers: %d (default %s)\n", checkMark, len(reg.All()), reg.Default().Name)
	fmt.Fprintf(out, "  %s Static keys: %d\n", checkMark, len(cfg.Auth.Keys))
	if cfg.Billing.APIKey() == "" {
		fmt.Fprintf(out, "  %s Billing: no credential for %s mode, nothing will be billed\n", crossMark, cfg.Billing.Mode)
	} else {
		fmt.Fprintf(out, "  %s Billing: %s mode\n", checkMark, cfg.Billing.Mode)
	}

	if validateCheckUpstream {
		if err := checkUpstreamReachable(cfg.Upstream.URL); err != nil {
			fmt.Fprintf(out, "  %s Upstream reachable\n", crossMark)
			fmt.Fprintf(out, "      Error: %v\n", err)
		} else {
			fmt.Fprintf(out, "  %s Upstream reachable\n", checkMark)
		}
	}

	if validatePrint {
		data, err := yaml.Marshal(cfg.Redacted())
		if err != nil {
			return fmt.Errorf("render config: %w", err)
		}
		fmt.Fprintln(out)
		fmt.Fprint(out, string(data))
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Configuration is valid.")
	return nil
}

func checkUpstreamReachable(url string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

const (
	checkMark = "\033[32m✓\033[0m"
	crossMark = "\033[31m✗\033[0m"
)
