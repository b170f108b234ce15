package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
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
)

const (
	shutdownTimeout = 10 * time.Second
	connectTimeout  = 30 * time.Second
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

	rdb, err := infraredis.NewRedis(connectCtx, cfg.RedisURL, "api", cfg.RedisPoolSize)
	if err != nil {
		logger.Fatal("redis initialization failed", zap.Error(err))
	}
	defer rdb.Close()

	rmq, err := queue.NewRabbitMQ(connectCtx, cfg.RabbitMQURL, "api")
	if err != nil {
		logger.Fatal("rabbitmq initialization failed", zap.Error(err))
	}
	defer rmq.Close()

	publisher := queue.NewRabbitMQPublisher(rmq, cfg.TriggerTTL())
	defer publisher.Close()

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

	campaignService := service.NewCampaignService(campaignRepo, rowRepo, settingsRepo, sender, publisher, logger)

	app := fiber.New(fiber.Config{
		AppName:      "campaign-engine",
		ErrorHandler: transport.ErrorHandler(logger),
	})
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(metrics.HTTPMiddleware())

	handler.RegisterHealthRoutes(app, handler.PostgresCheck(sqlDB), handler.RedisCheck(rdb))
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	if err := handler.RegisterCampaignRoutes(app, campaignService); err != nil {
		logger.Fatal("route registration failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- app.Listen(fmt.Sprintf(":%d", cfg.APIPort))
	}()

	logger.Info("campaign-engine api started",
		zap.Int("port", cfg.APIPort),
		zap.String("limiterBackend", cfg.LimiterBackend),
	)

	select {
	case err := <-serveErr:
		if err != nil {
			logger.Error("api server stopped with error", zap.Error(err))
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			logger.Error("api shutdown failed", zap.Error(err))
		}
	}

	logger.Info("campaign-engine api stopped")
}
