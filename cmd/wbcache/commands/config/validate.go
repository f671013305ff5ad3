package config

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/wbcache/internal/cli/output"
	"github.com/marmos91/wbcache/pkg/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long: `Validate the wbcache configuration file.

Checks for syntax errors, missing required fields, and invalid values.

Examples:
  # Validate default config
  wbcache config validate

  # Validate specific config file
  wbcache config validate --config /etc/wbcache/config.yaml`,
	RunE: runConfigValidate,
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	path := configPath(cmd)

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	displayPath := path
	if displayPath == "" {
		displayPath = config.GetDefaultConfigPath()
	}

	var warnings []string
	if cfg.Backend.Type == "memory" {
		warnings = append(warnings, "memory backend selected - flushed data is lost on exit")
	}
	if cfg.Backend.Type == "badger" && cfg.Backend.Badger.InMemory {
		warnings = append(warnings, "badger runs in memory - flushed data is lost on exit")
	}
	if cfg.Cache.MaxResident < 2*cfg.Cache.BlockSize {
		warnings = append(warnings, "max_resident holds a single block - every new block waits for a flush")
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Configuration file: %s\n", displayPath)
	_, _ = fmt.Fprintln(out, "Validation: OK")

	if len(warnings) > 0 {
		_, _ = fmt.Fprintln(out, "\nWarnings:")
		for _, w := range warnings {
			_, _ = fmt.Fprintf(out, "  - %s\n", w)
		}
	}

	_, _ = fmt.Fprintln(out, "\nConfiguration summary:")
	t := output.NewTable("Setting", "Value")
	t.AddRow("backend", cfg.Backend.Type)
	t.AddRow("block size", cfg.Cache.BlockSize)
	t.AddRow("max resident", cfg.Cache.MaxResident)
	t.AddRow("drain timeout", cfg.Cache.DrainTimeout)
	t.AddRow("log level", cfg.Logging.Level)
	output.PrintTable(out, t)

	return nil
}
