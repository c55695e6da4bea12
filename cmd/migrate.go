package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pulsefolio/pulse-tracker/internal/logger"
	"github.com/pulsefolio/pulse-tracker/internal/storage"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage snapshot database migrations",
	Long:  `Run, rollback, or check the status of the snapshot database migrations.`,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE:  withDatabase("Migrations applied successfully", storage.RunMigrations),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Rollback the last migration",
			RunE:  withDatabase("Migration rolled back successfully", storage.MigrateDown),
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show migration status",
			RunE:  withDatabase("", storage.MigrateStatus),
		},
	)
}

// withDatabase wraps a migration function with logger setup and
// DATABASE_URL resolution.
func withDatabase(okMsg string, fn func(ctx context.Context, dsn string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		logger.Setup(logLevel)

		v := viper.New()
		v.BindEnv("database_url", "DATABASE_URL")
		dsn := v.GetString("database_url")
		if dsn == "" {
			return fmt.Errorf("DATABASE_URL is required")
		}

		if err := fn(cmd.Context(), dsn); err != nil {
			slog.Error("Migration command failed", "error", err)
			return err
		}
		if okMsg != "" {
			slog.Info(okMsg)
		}
		return nil
	}
}
