package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aligntrack/portal-sync/database"
	"github.com/aligntrack/portal-sync/internal/config"
	"github.com/aligntrack/portal-sync/internal/logger"
)

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending portal database migrations",
	Long: `Apply all pending migrations to bring the portal schema up to date.
This command reads the portal connection parameters from the config file
and applies every migration that has not run yet.`,
	RunE: runMigrateUp,
}

func runMigrateUp(cmd *cobra.Command, _ []string) error {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return fmt.Errorf("failed to get config flag: %w", err)
	}

	yes, err := cmd.Flags().GetBool("yes")
	if err != nil {
		return fmt.Errorf("failed to get yes flag: %w", err)
	}

	cfg, err := config.LoadConfig(config.WithConfigPath(configPath))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Migrations run as the migration user when one is configured.
	connString, err := cfg.Replica.GetMigrationConnectionString()
	if err != nil {
		return fmt.Errorf("failed to get migration connection string: %w", err)
	}

	if !yes {
		prompt := fmt.Sprintf("About to apply migrations to %s:%d/%s as user %s. Continue?",
			cfg.Replica.Host, cfg.Replica.Port, cfg.Replica.Database, cfg.Replica.GetMigrationUser())
		if !confirm(prompt) {
			logger.Info("Migration cancelled by user")
			return nil
		}
	}

	logger.Info("Applying portal database migrations...")
	if err := database.MigrateUp(connString); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	version, dirty, err := database.GetVersion(connString)
	if err != nil {
		logger.Warnf("Unable to get migration version: %v", err)
	} else if dirty {
		logger.Warnf("Database is in a dirty state at version %d", version)
	} else {
		logger.Infof("Migrations applied successfully. Current version: %d", version)
	}

	return nil
}
