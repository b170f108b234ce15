package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/kursadbilgin/campaign-engine/internal/bootstrap"
	"github.com/kursadbilgin/campaign-engine/internal/config"
	"github.com/kursadbilgin/campaign-engine/internal/handler"
	"github.com/kursadbilgin/campaign-engine/internal/infra/postgresql"
	"github.com/kursadbilgin/campaign-engine/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/campaign-engine/internal/infra/redis"
	"github.com/kursadbilgin/campaign-engine/internal/observability"
	"github.com/kursadbilgin/campaign-engine/internal/queue"
	"github.com/kursadbilgin/campaign-engine/internal/repository"
	"github.com/kursadbilgin/campaign-engine/internal/service"
	"github.com/kursadbilgin/campaign-engine/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout  = 10 * time.Second
	connectTimeout   = 30 * time.Second
	consumerPrefetch = 4
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

	connectCtx, cancelConnect := context.WithTimeout(context.Background(), connectTimeout)
	defer cancelConnect()

	db, err := postgresql.NewPostgres(connectCtx, cfg.DatabaseDSN, postgresql.Options{
		MaxOpenConns:  cfg.DBMaxOpenConns,
		MaxIdleConns:  cfg.DBMaxIdleConns,
		SlowThreshold: cfg.DBSlowQueryThreshold(),
	}, logger)
	if err != nil {
		logger.Fatal("postgres initialization failed", zap.Error(err))
	}

	if err := migrations.Migrate(db); err != nil {
		logger.Fatal("database migrations failed", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal("postgres underlying db init failed", zap.Error(err))
	}
	defer sqlDB.Close()

	rdb, err := infraredis.NewRedis(connectCtx, cfg.RedisURL, "worker", cfg.RedisPoolSize)
	if err != nil {
		logger.Fatal("redis initialization failed", zap.Error(err))
	}
	defer rdb.Close()

	rmq, err := queue.NewRabbitMQ(connectCtx, cfg.RabbitMQURL, "worker")
	if err != nil {
		logger.Fatal("rabbitmq initialization failed", zap.Error(err))
	}
	defer rmq.Close()

	consumer := queue.NewRabbitMQConsumer(rmq, consumerPrefetch, logger)
	defer consumer.Close()

	metrics := observability.NewMetrics()

	doser, err := bootstrap.NewDoser(cfg, rdb, logger)
	if err != nil {
		logger.Fatal("rate limiter initialization failed", zap.Error(err))
	}

	campaignRepo := repository.NewGormCampaignRepo(db)
	rowRepo := repository.NewGormCampaignRowRepo(db)
	deliveryRepo := repository.NewGormDeliveryRepo(db)
	settingsRepo := repository.NewGormMailSettingsRepo(db)

	resolver := service.NewMailSettingsResolver(settingsRepo, cfg.FallbackMailSettings())

	sender, err := bootstrap.NewSender(cfg, resolver, doser, deliveryRepo, metrics, logger)
	if err != nil {
		logger.Fatal("sender initialization failed", zap.Error(err))
	}

	reconciler := service.NewReconciler(rowRepo, deliveryRepo, logger)
	reconciler.SetMetrics(metrics)

	processor, err := service.NewProcessor(
		campaignRepo,
		rowRepo,
		reconciler,
		sender,
		resolver,
		doser,
		service.ProcessorOptions{
			ClaimBatchSize:  cfg.ClaimBatchSize,
			Concurrency:     cfg.CycleConcurrency,
			RateLimitBuffer: cfg.RateLimitBuffer(),
			StaleClaimAfter: cfg.StaleClaimAfter(),
		},
		logger,
	)
	if err != nil {
		logger.Fatal("processor initialization failed", zap.Error(err))
	}
	processor.SetMetrics(metrics)

	scheduler, err := service.NewScheduler(processor, cfg.CycleSchedule, logger)
	if err != nil {
		logger.Fatal("scheduler initialization failed", zap.Error(err))
	}
	scheduler.WithSweep(doser, cfg.LimiterSweepInterval())

	triggerWorker, err := service.NewTriggerWorker(consumer, processor, cfg.CycleConcurrency, logger)
	if err != nil {
		logger.Fatal("trigger worker initialization failed", zap.Error(err))
	}

	app := fiber.New(fiber.Config{
		AppName:               "campaign-engine-worker",
		DisableStartupMessage: true,
		ErrorHandler:          transport.ErrorHandler(logger),
	})
	handler.RegisterHealthRoutes(app, handler.PostgresCheck(sqlDB), handler.RedisCheck(rdb))
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return scheduler.Start(groupCtx)
	})
	g.Go(func() error {
		return triggerWorker.Start(groupCtx)
	})
	g.Go(func() error {
		return app.Listen(fmt.Sprintf(":%d", cfg.WorkerMetricsPort))
	})
	g.Go(func() error {
		<-groupCtx.Done()
		return app.ShutdownWithTimeout(shutdownTimeout)
	})

	logger.Info("campaign-engine worker started",
		zap.Int("metricsPort", cfg.WorkerMetricsPort),
		zap.String("schedule", cfg.CycleSchedule),
		zap.String("limiterBackend", cfg.LimiterBackend),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped with error", zap.Error(err))
	}

	logger.Info("campaign-engine worker stopped")
}
