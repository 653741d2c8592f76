package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/drplane/drplane/pkg/config"
	"github.com/drplane/drplane/pkg/stores"
)

var (
	// Global flags
	configPath string
	envFiles   []string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "drplane",
		Short: "drplane - multi-tenant disaster recovery control plane",
		Long: `drplane turns tenant disaster recovery configurations into running cloud
infrastructure by driving terraform on each tenant's behalf.

Features:
  - Read replica and snapshot DR solutions
  - Per-tenant AWS role assumption with external IDs
  - Isolated terraform workspaces and variables files per tenant
  - Live deployment status and logs over WebSocket
  - Rego access policies with hot reload`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env"}, "dotenv files to load (missing files are skipped)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServeCommand(version))
	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newRenderCommand())
	rootCmd.AddCommand(newCredentialsCommand())
	rootCmd.AddCommand(newDeploymentsCommand())

	return rootCmd
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(config.Options{Path: configPath, EnvFiles: envFiles})
	if err != nil {
		return nil, err
	}
	log.Debug().
		Str("config", configPath).
		Str("database", cfg.Database.Driver).
		Str("region", cfg.AWS.Region).
		Msg("Configuration loaded")
	return cfg, nil
}

// openStore opens the configured database. Migrations run when migrate is
// true.
func openStore(ctx context.Context, cfg config.DatabaseConfig, migrate bool) (*stores.SQLStore, error) {
	dialect, err := stores.ParseDialect(cfg.Driver)
	if err != nil {
		return nil, err
	}
	store, err := stores.NewSQLStore(stores.Config{
		Driver:          dialect,
		Path:            cfg.Path,
		DSN:             cfg.DSN,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if migrate {
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}
	return store, nil
}
