// Package bootstrap holds the wiring shared by the api and worker binaries.
package bootstrap

import (
	"fmt"

	"github.com/kursadbilgin/campaign-engine/internal/config"
	infraredis "github.com/kursadbilgin/campaign-engine/internal/infra/redis"
	"github.com/kursadbilgin/campaign-engine/internal/observability"
	"github.com/kursadbilgin/campaign-engine/internal/provider"
	"github.com/kursadbilgin/campaign-engine/internal/ratelimit"
	"github.com/kursadbilgin/campaign-engine/internal/repository"
	"github.com/kursadbilgin/campaign-engine/internal/service"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// NewDoser builds the rate limiter selected by LIMITER_BACKEND. The redis
// backend needs rdb; the memory backend ignores it.
func NewDoser(cfg *config.Config, rdb *goredis.Client, logger *zap.Logger) (ratelimit.Doser, error) {
	switch cfg.LimiterBackend {
	case config.LimiterBackendMemory:
		return ratelimit.NewMemoryDoser(cfg.RateLimitMax, cfg.RateLimitWindow(), cfg.LimiterLockTimeout(), logger), nil
	case config.LimiterBackendRedis:
		if rdb == nil {
			return nil, fmt.Errorf("redis limiter backend requires a redis client")
		}
		return infraredis.NewSlidingWindowDoser(rdb, cfg.RateLimitMax, cfg.RateLimitWindow(), cfg.LimiterLockTimeout())
	default:
		return nil, fmt.Errorf("unsupported limiter backend %q", cfg.LimiterBackend)
	}
}

// NewSender wires the sender with the tenant settings resolver and the
// configured transports.
func NewSender(
	cfg *config.Config,
	resolver service.SettingsResolver,
	doser ratelimit.Doser,
	deliveries repository.DeliveryRepository,
	metrics *observability.Metrics,
	logger *zap.Logger,
) (*service.Sender, error) {
	sender, err := service.NewSender(
		resolver,
		provider.NewFactory(cfg.SendTimeout()),
		doser,
		deliveries,
		service.SenderOptions{
			Timeout:     cfg.SendTimeout(),
			RetryDelay:  cfg.SendRetryDelay(),
			MaxAttempts: cfg.SendMaxAttempts,
		},
		logger,
	)
	if err != nil {
		return nil, err
	}
	sender.SetMetrics(metrics)
	return sender, nil
}
