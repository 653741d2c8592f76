package commands

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/drplane/drplane/pkg/api"
	"github.com/drplane/drplane/pkg/config"
	"github.com/drplane/drplane/pkg/credentials"
	"github.com/drplane/drplane/pkg/engine"
	"github.com/drplane/drplane/pkg/fanout"
	"github.com/drplane/drplane/pkg/lock"
	"github.com/drplane/drplane/pkg/policy"
	"github.com/drplane/drplane/pkg/process"
	"github.com/drplane/drplane/pkg/telemetry"
	"github.com/drplane/drplane/pkg/workspace"
)

func newServeCommand(version string) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and deployment orchestrator",
		Long: `Run the HTTP API, the WebSocket event endpoint, and the deployment
orchestrator.

On start the server applies pending migrations (database.auto_migrate),
marks deployments interrupted by a previous process as FAILED, and loads
access policies. SIGINT or SIGTERM stops accepting requests and waits for
running pipelines before exiting.`,
		Example: `  # Serve with a config file
  drplane serve --config /etc/drplane/drplane.yaml

  # Override the listen address
  DRPLANE_AUTH_JWT_SECRET=... drplane serve --addr :9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if err := cfg.RequireAuth(); err != nil {
				return err
			}
			if version != "" {
				cfg.Telemetry.ServiceVersion = version
			}
			return serve(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")

	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(flushCtx)
	}()
	logger := tel.Logger.Zerolog()

	store, err := openStore(ctx, cfg.Database, cfg.Database.AutoMigrate)
	if err != nil {
		return err
	}
	defer store.Close()

	broker, err := credentials.NewBroker(ctx, credentials.BrokerConfig{
		Region:   cfg.AWS.Region,
		Endpoint: cfg.AWS.STSEndpoint,
	}, logger, tel.Metrics)
	if err != nil {
		return err
	}
	registry := credentials.NewRegistry(store, broker, logger)

	materializer, err := workspace.New(workspace.Config{
		Root:        cfg.Terraform.RootDir,
		ReplicaDir:  cfg.Terraform.ReplicaDir,
		SnapshotDir: cfg.Terraform.SnapshotDir,
	}, logger)
	if err != nil {
		return err
	}

	scheduler := engine.NewScheduler(engine.SchedulerConfig{
		MaxConcurrent: cfg.Scheduler.MaxConcurrentRuns,
		StartDelay:    cfg.Scheduler.StartDelay,
	}, logger, tel.Metrics)

	hub := fanout.NewHub(logger, tel.Metrics)
	defer hub.Close()

	checks := map[string]api.HealthCheck{"database": store.HealthCheck}

	var locker engine.TenantLocker = engine.NewMemoryLocker()
	if cfg.Redis.Enabled() {
		lockCfg := lock.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.LockTTL,
		}
		client := lock.NewClient(lockCfg)
		defer client.Close()

		redisLocker := lock.NewRedisLocker(client, lockCfg, logger)
		if err := redisLocker.Ping(ctx); err != nil {
			return err
		}
		locker = redisLocker
		checks["redis"] = redisLocker.Ping
	}

	authorizer, stopPolicies, err := loadPolicies(ctx, cfg.Policy, logger)
	if err != nil {
		return err
	}
	defer stopPolicies()

	orchestrator, err := engine.NewOrchestrator(engine.OrchestratorConfig{
		Binary:          cfg.Terraform.Binary,
		Region:          cfg.AWS.Region,
		SessionDuration: cfg.AWS.SessionDuration,
	}, engine.Dependencies{
		Store:        store,
		Broker:       broker,
		Materializer: materializer,
		Runner:       process.NewRunner(logger),
		Scheduler:    scheduler,
		Publisher:    hub,
		Locker:       locker,
		Authorizer:   authorizer,
		Metrics:      tel.Metrics,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	// Safe only because a single instance executes pipelines against this
	// database.
	if _, err := orchestrator.RecoverInterrupted(ctx); err != nil {
		return err
	}

	verifier, err := api.NewTokenVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.Audience)
	if err != nil {
		return err
	}

	var metricsHandler http.Handler
	if tel.Metrics.Enabled() {
		metricsHandler = tel.Metrics.Handler()
	}

	server, err := api.NewServer(api.Config{
		Addr:              cfg.Server.Addr,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
		MetricsPath:       tel.Metrics.Path(),
	}, api.Dependencies{
		Deployments: orchestrator,
		Credentials: registry,
		Auth:        verifier,
		Events: fanout.NewHandler(hub, verifier, fanout.HandlerConfig{
			RequireToken:   cfg.Server.RequireWebSocketToken,
			AllowedOrigins: cfg.Server.AllowedOrigins,
		}, logger),
		Metrics:      metricsHandler,
		HealthChecks: checks,
		Recorder:     tel.Metrics,
		Tracer:       tel.Tracer,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("API server did not shut down cleanly")
	}
	if err := scheduler.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Int("active", scheduler.Active()).Msg("Pipelines still running at shutdown")
	}
	return nil
}

// loadPolicies builds the policy engine from the built-in rules plus any
// modules under cfg.Dir, and starts hot reload when asked to.
func loadPolicies(ctx context.Context, cfg config.PolicyConfig, logger zerolog.Logger) (*policy.Engine, func(), error) {
	eng, err := policy.NewEngine(logger)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Dir == "" {
		return eng, func() {}, nil
	}

	loader := policy.NewLoader(logger)
	if err := eng.LoadDir(ctx, loader, cfg.Dir); err != nil {
		return nil, nil, fmt.Errorf("failed to load policies from %s: %w", cfg.Dir, err)
	}
	if !cfg.Watch {
		return eng, func() {}, nil
	}

	if err := loader.Watch(ctx, []string{cfg.Dir}, func(policies []policy.Policy) error {
		return eng.Load(ctx, policies)
	}); err != nil {
		return nil, nil, err
	}
	return eng, func() { _ = loader.StopWatching() }, nil
}
