package main

import (
	"fmt"
	"time"

	"github.com/artpar/metergate/config"
	"github.com/artpar/metergate/domain/key"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage static API keys",
	Long: `Manage static API keys.

Keys live in the configuration file as bcrypt hashes. The raw key is shown
once, at generation time.

Examples:
  metergate keys generate --subject acme --tier crawler --account si_123
  metergate keys generate --subject trial --expires 720h`,
}

var keysGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a key and print its configuration entry",
	RunE:  runKeysGenerate,
}

var (
	keysSubject string
	keysTier    string
	keysAccount string
	keysPrefix  string
	keysExpires time.Duration
	keysCost    int
)

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysGenerateCmd)

	keysGenerateCmd.Flags().StringVar(&keysSubject, "subject", "", "subject the key identifies (required)")
	keysGenerateCmd.Flags().StringVar(&keysTier, "tier", "", "tier name")
	keysGenerateCmd.Flags().StringVar(&keysAccount, "account", "", "billing account reference")
	keysGenerateCmd.Flags().StringVar(&keysPrefix, "prefix", key.DefaultPrefix, "key prefix")
	keysGenerateCmd.Flags().DurationVar(&keysExpires, "expires", 0, "lifetime of the key (0 = never expires)")
	keysGenerateCmd.Flags().IntVar(&keysCost, "cost", bcrypt.DefaultCost, "bcrypt cost")
	keysGenerateCmd.MarkFlagRequired("subject")
}

func runKeysGenerate(cmd *cobra.Command, args []string) error {
	raw, k, err := key.Generate(keysPrefix, keysCost)
	if err != nil {
		return err
	}

	entry := config.KeyConfig{
		Prefix:            k.Prefix,
		Hash:              string(k.Hash),
		Subject:           keysSubject,
		Tier:              keysTier,
		BillingAccountRef: keysAccount,
	}
	if keysExpires > 0 {
		exp := time.Now().UTC().Add(keysExpires).Truncate(time.Second)
		entry.ExpiresAt = &exp
	}

	snippet, err := yaml.Marshal(map[string]any{
		"auth": map[string]any{"keys": []config.KeyConfig{entry}},
	})
	if err != nil {
		return fmt.Errorf("render entry: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "API key (shown once): %s\n\n", raw)
	fmt.Fprintln(out, "Add to the configuration file:")
	fmt.Fprintln(out)
	fmt.Fprint(out, string(snippet))
	return nil
}
