package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/marmos91/wbcache/internal/cli/prompt"
	"github.com/marmos91/wbcache/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a configuration file with the default values",
	Long: `Write a wbcache configuration file holding every default value.

By default, the configuration file is created at $XDG_CONFIG_HOME/wbcache/config.yaml.
Use --config to specify a custom path.

Examples:
  # Initialize with default location
  wbcache config init

  # Initialize with custom path
  wbcache config init --config /etc/wbcache/config.yaml

  # Overwrite an existing file without asking
  wbcache config init --force`,
	RunE: runConfigInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config file without asking")
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := configPath(cmd)
	if path == "" {
		path = config.GetDefaultConfigPath()
	}

	if _, err := os.Stat(path); err == nil {
		ok, err := prompt.ConfirmWithForce(fmt.Sprintf("Overwrite %s", path), initForce)
		if err != nil {
			if errors.Is(err, prompt.ErrAborted) {
				return nil
			}
			return err
		}
		if !ok {
			return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", path)
		}
	}

	if err := config.SaveConfig(config.GetDefaultConfig(), path); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Configuration file created at: %s\n", path)
	_, _ = fmt.Fprintln(out, "\nNext steps:")
	_, _ = fmt.Fprintln(out, "  1. Pick a backend (memory, fs, s3, badger) and size the cache")
	_, _ = fmt.Fprintf(out, "  2. Check it with: wbcache config validate --config %s\n", path)
	_, _ = fmt.Fprintf(out, "  3. Copy a file with: wbcache copy --config %s <local> <remote>\n", path)
	return nil
}
