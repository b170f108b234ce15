package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const (
	clientName      = "campaign-engine"
	pingTimeout     = 3 * time.Second
	defaultPoolSize = 10
)

// NewRedis connects the limiter store. The client is named after the
// process role so CLIENT LIST shows which side holds a connection.
func NewRedis(ctx context.Context, url, role string, poolSize int) (*goredis.Client, error) {
	opts, err := clientOptions(url, role, poolSize)
	if err != nil {
		return nil, err
	}

	client := goredis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", opts.Addr, err)
	}

	return client, nil
}

func clientOptions(url, role string, poolSize int) (*goredis.Options, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if poolSize <= 0 {
		poolSize = defaultPoolSize
	}
	opts.PoolSize = poolSize
	opts.ClientName = clientName
	if role != "" {
		opts.ClientName = clientName + "-" + role
	}
	return opts, nil
}
