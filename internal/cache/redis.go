// Package cache holds the short-lived Redis records of the verification flows: link tokens,
// successful OTP verifications and pending self-registrations. Every key carries a TTL.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const opTimeout = 5 * time.Second

// Open parses a redis:// or rediss:// URL, configures the pool and pings the server.
func Open(ctx context.Context, redisURL string, logger *zap.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolTimeout = 4 * time.Second
	opts.ConnMaxIdleTime = 5 * time.Minute

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("redis client initialized", zap.String("addr", opts.Addr), zap.Int("db", opts.DB))
	return client, nil
}

// watchRetries bounds optimistic transaction retries under contention.
const watchRetries = 5

func withWatch(ctx context.Context, client *redis.Client, fn func(*redis.Tx) error, key string) error {
	for i := 0; i < watchRetries; i++ {
		err := client.Watch(ctx, fn, key)
		if err == redis.TxFailedErr {
			continue
		}
		return err
	}
	return fmt.Errorf("watch %s: too much contention", key)
}
