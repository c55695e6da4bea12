package cmd

import (
	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	logLevel string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "pulse-tracker",
	Short: "PulseChain wallet balance tracker",
	Long: `pulse-tracker maintains a live in-memory cache of PulseChain wallet
balances (PLS and PRC-20 tokens). Balances are seeded from a Blockscout
indexer, kept fresh through WebSocket transfer events, and periodically
reconciled against the indexer to correct drift.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
}
