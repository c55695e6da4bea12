package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/pulsefolio/pulse-tracker/internal/config"
	"github.com/pulsefolio/pulse-tracker/internal/logger"
)

var validateCmd = &cobra.Command{
	Use:   "validate-config",
	Short: "Validate configuration file",
	Long:  `Validate the configuration file syntax and values without running the application.`,
	RunE:  validateConfig,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func validateConfig(cmd *cobra.Command, args []string) error {
	// Setup logger
	logger.Setup(logLevel)

	// Load config
	cfg, databaseURL, err := config.LoadWithDatabase(cfgFile)
	if err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return err
	}

	slog.Info("✓ Configuration valid",
		"rpc_endpoints", len(cfg.RPCUrls),
		"ws_endpoints", len(cfg.WSUrls),
		"wallets", len(cfg.Wallets),
		"indexer_url", cfg.IndexerURL,
		"reconcile_interval", cfg.ReconcileEvery(),
		"log_level", cfg.LogLevel,
		"database_url_set", databaseURL != "",
	)

	return nil
}
