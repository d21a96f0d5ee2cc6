package redis

import (
	"context"
	"fmt"
	"time"

	"tipbot/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("redis",
	fx.Provide(New),
)

const (
	pingAttempts = 5
	pingBackoff  = 3 * time.Second
	pingTimeout  = 2 * time.Second
)

// New connects to redis, retrying while it comes up. Locks, the rate mirror
// and asynq all depend on it, so startup fails if it never answers.
func New(lc fx.Lifecycle, c *config.Config) (*redis.Client, error) {
	zapLog := zap.L().With(
		zap.String("addr", c.Redis.Addr),
		zap.Int("db", c.Redis.DB),
		zap.Int("pool_size", c.Redis.PoolSize),
	)

	rdb := redis.NewClient(&redis.Options{
		Addr:        c.Redis.Addr,
		Password:    c.Redis.Password,
		DB:          c.Redis.DB,
		PoolSize:    c.Redis.PoolSize,
		PoolTimeout: c.Redis.PoolTimeout,
	})

	if err := ping(rdb, zapLog); err != nil {
		_ = rdb.Close()
		zapLog.Error("[Redis] unreachable", zap.Error(err))
		return nil, fmt.Errorf("redis %s: %w", c.Redis.Addr, err)
	}

	zapLog.Info("[Redis] Connected to Redis")

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return rdb.Close()
		},
	})

	return rdb, nil
}

func ping(rdb *redis.Client, zapLog *zap.Logger) error {
	var err error
	for attempt := 1; attempt <= pingAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
		err = rdb.Ping(ctx).Err()
		cancel()
		if err == nil {
			return nil
		}
		if attempt < pingAttempts {
			zapLog.Warn("[Redis] not ready, retrying", zap.Int("retry", attempt), zap.Duration("backoff", pingBackoff), zap.Error(err))
			time.Sleep(pingBackoff)
		}
	}
	return err
}
