package config

import (
	"github.com/spf13/cobra"

	"github.com/marmos91/wbcache/internal/cli/output"
	"github.com/marmos91/wbcache/pkg/config"
)

var showOutput string

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display current configuration",
	Long: `Display the effective wbcache configuration, after defaults and
WBCACHE_* environment overrides are applied.

By default outputs YAML format. Use --output to change format.

Examples:
  # Show default config as YAML
  wbcache config show

  # Show as JSON
  wbcache config show --output json

  # Show specific config file
  wbcache config show --config /etc/wbcache/config.yaml`,
	RunE: runConfigShow,
}

func init() {
	showCmd.Flags().StringVarP(&showOutput, "output", "o", "yaml", "Output format (yaml|json)")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath(cmd))
	if err != nil {
		return err
	}

	format, err := output.ParseFormat(showOutput)
	if err != nil {
		return err
	}

	switch format {
	case output.FormatJSON:
		return output.PrintJSON(cmd.OutOrStdout(), cfg)
	default:
		return output.PrintYAML(cmd.OutOrStdout(), cfg)
	}
}
