package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/giantswarm/ptero-auth/storage/sqlite"
)

func newMigrateCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations to the SQLite database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := parseDatabaseURL(c.v.GetString("database-url"))
			if err != nil {
				return err
			}
			if db.driver != driverSQLite {
				return fmt.Errorf("migrate requires a SQLite database (--database-url %s/path)", sqliteScheme)
			}

			store, err := sqlite.Open(cmd.Context(), sqlite.Config{
				Path:           db.path,
				SkipMigrations: true,
				Logger:         c.logger,
			})
			if err != nil {
				return err
			}
			defer store.Close()

			schemaVersion, err := store.Migrate()
			if err != nil {
				return err
			}
			c.logger.Info("Database migrated", "path", db.path, "version", schemaVersion)
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", schemaVersion)
			return err
		},
	}
	return cmd
}
