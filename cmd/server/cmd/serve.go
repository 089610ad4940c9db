package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-stream-gateway/internal/api"
	"github.com/sirosfoundation/go-stream-gateway/internal/backend"
	"github.com/sirosfoundation/go-stream-gateway/internal/jobs"
	"github.com/sirosfoundation/go-stream-gateway/internal/migrate"
	"github.com/sirosfoundation/go-stream-gateway/internal/server"
	"github.com/sirosfoundation/go-stream-gateway/internal/stream"
	"github.com/sirosfoundation/go-stream-gateway/internal/websocket"
	"github.com/sirosfoundation/go-stream-gateway/pkg/config"
	"github.com/sirosfoundation/go-stream-gateway/pkg/middleware"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway (default)",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting stream gateway",
		zap.String("version", cfg.Version),
		zap.String("build_time", buildTime),
		zap.String("storage", cfg.Storage.Type),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clock := clockwork.NewRealClock()
	launch := server.LaunchMetadata{At: launchTime(cmd.Context()), Version: cfg.Version, Clock: clock}

	hub := websocket.NewHub(logger)
	defer hub.Close()

	limiter := middleware.NewRateLimiter(cfg.RateLimit, logger)
	defer limiter.Stop()

	var redisClient *redis.Client
	if cfg.Stream.Enabled {
		redisClient = stream.NewClient(cfg.Stream.Redis)
		defer func() { _ = redisClient.Close() }()
	}

	app := server.New(server.Options{
		Config:     cfg,
		Logger:     logger,
		Connector:  backend.NewConnector(cfg, logger),
		Launch:     launch,
		Supervisor: jobs.NewSupervisor(cfg.Jobs, logger, clock),
		Groups: func(store backend.Backend) []server.RouteGroup {
			return routeGroups(cfg, store, hub, limiter, logger)
		},
		Jobs: func(store backend.Backend) []server.JobSpec {
			return backgroundJobs(cfg, store, redisClient, hub, logger)
		},
	})

	err = app.Run(ctx)
	stop()
	if closeErr := app.Close(); closeErr != nil {
		logger.Warn("Failed to close storage", zap.Error(closeErr))
	}
	if err != nil {
		logger.Error("Server failed", zap.Stringer("phase", app.Phase()), zap.Error(err))
		return err
	}

	logger.Info("Server exited")
	return nil
}

func routeGroups(cfg *config.Config, store backend.Backend, hub *websocket.Hub, limiter *middleware.RateLimiter, logger *zap.Logger) []server.RouteGroup {
	capabilities := []string{api.CapabilityEvents}
	if cfg.Stream.Enabled {
		capabilities = append(capabilities, api.CapabilityStream)
	}

	groups := []server.RouteGroup{
		api.NewStatusGroup(capabilities...),
		api.NewEventsGroup(store.Events(), limiter, logger),
	}
	if cfg.Stream.Enabled {
		groups = append(groups, api.NewStreamGroup(hub, limiter, logger))
	}
	return groups
}

func backgroundJobs(cfg *config.Config, store backend.Backend, client *redis.Client, hub *websocket.Hub, logger *zap.Logger) []server.JobSpec {
	specs := []server.JobSpec{{
		Job:    migrate.NewJob(store.MigrationTarget(), logger),
		Policy: jobs.Policy{Restart: jobs.RestartOnFailure, MaxAttempts: cfg.Jobs.MigrateAttempts},
	}}

	if !cfg.Stream.Enabled {
		logger.Info("Stream consumer disabled")
		return specs
	}
	return append(specs, server.JobSpec{
		Job:    stream.NewConsumer(client, cfg.Stream, store.Events(), hub, logger),
		Policy: jobs.Policy{Restart: jobs.RestartAlways},
	})
}
