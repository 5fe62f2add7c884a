package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Sentinel-Gate/guard-proxy/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration guard-proxy would start with, after merging the
config file, environment variables and defaults. Secrets are masked.

Validation problems are reported on stderr; the configuration is printed
either way.

Examples:
  # Check which backend and policy defaults are in effect
  guard-proxy config

  # Inspect a specific file
  guard-proxy --config /etc/guard-proxy/guard-proxy.yaml config`,
	RunE: runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg.SetDevDefaults()

	if file := config.ConfigFileUsed(); file != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "# config file: %s\n", file)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "# invalid: %v\n", err)
	}

	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(cfg.Masked()); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}
