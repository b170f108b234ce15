package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/kursadbilgin/campaign-engine/internal/domain"
)

const (
	LimiterBackendRedis  = "redis"
	LimiterBackendMemory = "memory"
)

type Config struct {
	DatabaseDSN       string `env:"DATABASE_DSN,required=true"`
	RabbitMQURL       string `env:"RABBITMQ_URL,required=true"`
	RedisURL          string `env:"REDIS_URL,required=true"`
	APIPort           int    `env:"API_PORT,default=8080"`
	WorkerMetricsPort int    `env:"WORKER_METRICS_PORT,default=9091"`
	LogLevel          string `env:"LOG_LEVEL,default=info"`

	DBMaxOpenConns    int `env:"DB_MAX_OPEN_CONNS,default=25"`
	DBMaxIdleConns    int `env:"DB_MAX_IDLE_CONNS,default=5"`
	DBSlowQueryMS     int `env:"DB_SLOW_QUERY_MS,default=500"`
	RedisPoolSize     int `env:"REDIS_POOL_SIZE,default=10"`
	TriggerTTLSeconds int `env:"TRIGGER_TTL_SECONDS,default=300"`

	LimiterBackend         string `env:"LIMITER_BACKEND,default=redis"`
	RateLimitMax           int    `env:"RATE_LIMIT_MAX,default=200"`
	RateLimitWindowSeconds int    `env:"RATE_LIMIT_WINDOW_SECONDS,default=3600"`
	LimiterLockTimeoutMS   int    `env:"LIMITER_LOCK_TIMEOUT_MS,default=500"`
	LimiterSweepSeconds    int    `env:"LIMITER_SWEEP_SECONDS,default=300"`

	CycleSchedule          string `env:"CYCLE_SCHEDULE,default=@every 1m"`
	CycleConcurrency       int    `env:"CYCLE_CONCURRENCY,default=4"`
	ClaimBatchSize         int    `env:"CLAIM_BATCH_SIZE,default=100"`
	SendTimeoutSeconds     int    `env:"SEND_TIMEOUT_SECONDS,default=30"`
	SendRetryDelaySeconds  int    `env:"SEND_RETRY_DELAY_SECONDS,default=300"`
	SendMaxAttempts        int    `env:"SEND_MAX_ATTEMPTS,default=2"`
	RateLimitBufferSeconds int    `env:"RATE_LIMIT_BUFFER_SECONDS,default=60"`
	StaleClaimSeconds      int    `env:"STALE_CLAIM_SECONDS,default=900"`

	// Fallback transport for organizations without their own mail settings.
	SMTPHost       string `env:"SMTP_HOST"`
	SMTPPort       int    `env:"SMTP_PORT,default=587"`
	SMTPUsername   string `env:"SMTP_USERNAME"`
	SMTPPassword   string `env:"SMTP_PASSWORD"`
	SMTPFrom       string `env:"SMTP_FROM"`
	SMTPFromName   string `env:"SMTP_FROM_NAME"`
	SMTPTLS        string `env:"SMTP_TLS,default=opportunistic"`
	MailWebhookURL string `env:"MAIL_WEBHOOK_URL"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	c.LimiterBackend = strings.ToLower(strings.TrimSpace(c.LimiterBackend))
	switch c.LimiterBackend {
	case LimiterBackendRedis, LimiterBackendMemory:
	default:
		return fmt.Errorf("unsupported LIMITER_BACKEND %q", c.LimiterBackend)
	}
	if c.RateLimitMax <= 0 {
		return fmt.Errorf("RATE_LIMIT_MAX must be positive")
	}
	if c.RateLimitWindowSeconds <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW_SECONDS must be positive")
	}
	if c.SendMaxAttempts <= 0 {
		return fmt.Errorf("SEND_MAX_ATTEMPTS must be positive")
	}
	if strings.TrimSpace(c.CycleSchedule) == "" {
		return fmt.Errorf("CYCLE_SCHEDULE is required")
	}
	return nil
}

func (c *Config) DBSlowQueryThreshold() time.Duration {
	return time.Duration(c.DBSlowQueryMS) * time.Millisecond
}

func (c *Config) TriggerTTL() time.Duration {
	return time.Duration(c.TriggerTTLSeconds) * time.Second
}

func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowSeconds) * time.Second
}

func (c *Config) LimiterLockTimeout() time.Duration {
	return time.Duration(c.LimiterLockTimeoutMS) * time.Millisecond
}

func (c *Config) LimiterSweepInterval() time.Duration {
	return time.Duration(c.LimiterSweepSeconds) * time.Second
}

func (c *Config) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutSeconds) * time.Second
}

func (c *Config) SendRetryDelay() time.Duration {
	return time.Duration(c.SendRetryDelaySeconds) * time.Second
}

func (c *Config) RateLimitBuffer() time.Duration {
	return time.Duration(c.RateLimitBufferSeconds) * time.Second
}

func (c *Config) StaleClaimAfter() time.Duration {
	return time.Duration(c.StaleClaimSeconds) * time.Second
}

// FallbackMailSettings builds the mail settings used for organizations without
// a tenant_mail_settings row. It returns nil when no transport is configured.
func (c *Config) FallbackMailSettings() *domain.MailSettings {
	settings := &domain.MailSettings{
		FromAddress:     strings.TrimSpace(c.SMTPFrom),
		FromName:        strings.TrimSpace(c.SMTPFromName),
		RateLimitMax:    c.RateLimitMax,
		RateLimitWindow: c.RateLimitWindow(),
	}

	switch {
	case strings.TrimSpace(c.SMTPHost) != "":
		settings.Transport = domain.TransportSMTP
		settings.SMTPHost = strings.TrimSpace(c.SMTPHost)
		settings.SMTPPort = c.SMTPPort
		settings.SMTPUsername = c.SMTPUsername
		settings.SMTPPassword = c.SMTPPassword
		settings.SMTPTLS = domain.TLSPolicy(strings.ToLower(strings.TrimSpace(c.SMTPTLS)))
	case strings.TrimSpace(c.MailWebhookURL) != "":
		settings.Transport = domain.TransportWebhook
		settings.WebhookURL = strings.TrimSpace(c.MailWebhookURL)
	default:
		return nil
	}
	return settings
}
