package main

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	grpclib "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/sunshow/warmupd/internal/actuator"
	"github.com/sunshow/warmupd/internal/config"
	"github.com/sunshow/warmupd/internal/content"
	"github.com/sunshow/warmupd/internal/cooldown"
	"github.com/sunshow/warmupd/internal/db"
	"github.com/sunshow/warmupd/internal/engine"
	"github.com/sunshow/warmupd/internal/event"
	grpcserver "github.com/sunshow/warmupd/internal/grpc"
	"github.com/sunshow/warmupd/internal/lifecycle"
	"github.com/sunshow/warmupd/internal/logging"
	"github.com/sunshow/warmupd/internal/report"
)

const healthService = "warmupd"

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the gRPC API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
}

// loadRuntime loads the validated config and the logger built from it
func loadRuntime() (*config.Config, *zap.SugaredLogger, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, nil, err
	}
	sugar, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, nil, err
	}
	return cfg, sugar, nil
}

func serve(parent context.Context) (err error) {
	cfg, sugar, err := loadRuntime()
	if err != nil {
		return err
	}
	defer sugar.Sync() //nolint:errcheck

	// Graceful shutdown context
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reporter, err := report.New(cfg.ReportOptions(version), sugar)
	if err != nil {
		return err
	}
	defer reporter.Flush(2 * time.Second)

	// 1. Connect to the store and apply the schema
	dbClient, err := db.Open(ctx, cfg.DBOptions(), sugar)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer func() { err = multierr.Append(err, dbClient.Close()) }()
	if err := dbClient.Migrate(ctx); err != nil {
		return err
	}

	// 2. Create event bus, optionally mirrored to redis
	eventBus := event.NewBus(sugar)
	if cfg.Redis.Enabled {
		rdb := event.NewRedisClient(cfg.RedisOptions())
		defer func() { err = multierr.Append(err, rdb.Close()) }()
		detach := event.NewForwarder(rdb, cfg.Redis.Channel, sugar).Attach(eventBus)
		defer detach()
		sugar.Infow("Forwarding events to redis", "address", cfg.Redis.Address, "channel", cfg.Redis.Channel)
	}

	// 3. Create actuator registry
	registry, err := actuator.Build(cfg.ActuatorOptions(), sugar)
	if err != nil {
		return err
	}

	// 4. Create scheduler
	binder := lifecycle.NewBinder(dbClient, eventBus, sugar)
	scheduler := engine.NewScheduler(
		dbClient,
		eventBus,
		binder,
		content.NewResolver(dbClient, sugar),
		cooldown.New(cfg.Cooldown.DefaultMinHours, cfg.Cooldown.DefaultMaxHours),
		registry,
		reporter,
		sugar,
		cfg.SchedulerOptions(),
	)

	// 5. Start the worker loop (reclaims stuck phases + polls for work)
	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer scheduler.Wait()

	// 6. Start gRPC server
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
	if err != nil {
		stop()
		return fmt.Errorf("listen: %w", err)
	}

	server := grpclib.NewServer()

	// Register health check
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)

	// Register warmup service
	grpcserver.NewWarmupServer(scheduler, binder, eventBus, sugar).Register(server)

	sugar.Infow("warmupd gRPC server listening",
		"port", cfg.GRPC.Port,
		"worker_id", scheduler.WorkerID(),
		"version", version,
	)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(lis)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		stop()
		return fmt.Errorf("serve: %w", err)
	}

	sugar.Info("Shutting down gRPC server...")
	healthServer.Shutdown()
	server.GracefulStop()
	sugar.Info("Server stopped")
	return nil
}
