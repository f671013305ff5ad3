// Package commands implements the wbcache CLI.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/marmos91/wbcache/cmd/wbcache/commands/config"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "wbcache",
	Short: "wbcache - write-back block cache for remote files",
	Long: `wbcache buffers positioned writes in fixed-size memory blocks, merges
adjacent writes, and flushes full or evicted blocks to a storage backend
(local filesystem, S3, BadgerDB or memory) from a single background worker.

Use "wbcache [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. It is called once by main.main().
func Execute() error {
	return rootCmd.Execute()
}

// GetRootCmd returns the root command for testing purposes.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/wbcache/config.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(copyCmd)
	rootCmd.AddCommand(benchCmd)
	rootCmd.AddCommand(config.Cmd)
}

// GetConfigFile returns the config file path from the global flag.
func GetConfigFile() string {
	return cfgFile
}
