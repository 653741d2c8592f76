package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
		Long: `Apply or roll back database migrations for the configured driver
(sqlite or postgres).`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg.Database, true)
			if err != nil {
				return err
			}
			defer store.Close()

			version, _, err := store.MigrationVersion(cmd.Context())
			if err != nil {
				return err
			}
			log.Info().Str("driver", cfg.Database.Driver).Uint("version", version).Msg("Database migrated")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back every migration (drops all data)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg.Database, false)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.MigrateDown(cmd.Context()); err != nil {
				return err
			}
			log.Warn().Str("driver", cfg.Database.Driver).Msg("Database schema rolled back")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg.Database, false)
			if err != nil {
				return err
			}
			defer store.Close()

			version, dirty, err := store.MigrationVersion(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				fmt.Fprintf(cmd.OutOrStdout(), "{\"version\":%d,\"dirty\":%t}\n", version, dirty)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %t)\n", version, dirty)
			return nil
		},
	})

	return cmd
}
