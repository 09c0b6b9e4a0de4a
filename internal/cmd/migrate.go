package cmd

import (
	"github.com/spf13/cobra"

	"github.com/3leaps/pubgate/internal/observability"
	"github.com/3leaps/pubgate/pkg/publish/pgstore"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply service database schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := loadSettings()
		if err != nil {
			return err
		}
		if err := pgstore.Migrate(settings.DSN()); err != nil {
			return err
		}
		observability.CLILogger.Info("Database schema is up to date")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
