package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-insights/pkg/database"
	"github.com/ekaya-inc/ekaya-insights/pkg/logging"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		connStr := cfg.Database.ConnectionString()
		logger.Info("Running migrations",
			zap.String("database", logging.SanitizeConnectionString(connStr)),
			zap.String("path", cfg.MigrationsPath))

		sqlDB, err := database.OpenSQL(connStr)
		if err != nil {
			return err
		}
		defer sqlDB.Close()

		return database.RunMigrations(sqlDB, cfg.MigrationsPath, logger)
	},
}
