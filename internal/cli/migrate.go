package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"fx-rate-alerts/internal/migrate"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		a := getApp()
		if a.Config.Database.DSN == "" {
			return errors.New("database.dsn must be configured to migrate")
		}
		return migrate.Run(a.Config.Database.DSN, a.Config.Database.MigrationsPath, a.Logger)
	},
}
