package lock

import (
	"context"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/billable/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("lock",
	fx.Provide(
		NewRedisClient,
		NewLocker,
	),
)

// NewRedisClient returns nil when neither the locker nor the events sink uses redis.
func NewRedisClient(lc fx.Lifecycle, cfg config.Config) *redis.Client {
	if cfg.LockBackend != config.LockBackendRedis && cfg.EventsSink != config.EventsSinkRedis {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     strings.TrimSpace(cfg.RedisAddr),
		Password: strings.TrimSpace(cfg.RedisPassword),
		DB:       cfg.RedisDB,
	})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client
}

func NewLocker(cfg config.Config, client *redis.Client, log *zap.Logger) Locker {
	switch cfg.LockBackend {
	case config.LockBackendRedis:
		log.Info("ledger locks backed by redis", zap.String("addr", cfg.RedisAddr))
		return NewRedis(client, 0)
	case config.LockBackendNone:
		return NewNoop()
	default:
		return NewMemory()
	}
}
