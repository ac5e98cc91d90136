// Package backend opens the store adapter selected by configuration.
package backend

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"notification-engine/internal/config"
	"notification-engine/internal/mongostore"
	"notification-engine/internal/notify"
	"notification-engine/internal/redisstore"
	"notification-engine/internal/store"
)

// NewRedisClient returns a client for cfg's Redis server.
func NewRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// Open connects the configured adapter and wraps it with logging and
// metrics. With provision set, schema migrations or indexes are applied
// before returning.
func Open(ctx context.Context, cfg config.Config, log *zap.Logger, provision bool) (*notify.Observed, error) {
	var st notify.Store
	switch cfg.Backend {
	case "postgres":
		pg, err := store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if provision {
			if err := pg.RunMigrations(ctx); err != nil {
				_ = pg.Close(ctx)
				return nil, fmt.Errorf("migrations: %w", err)
			}
		}
		st = pg
	case "mongo":
		m, err := mongostore.Connect(ctx, cfg.MongoURI, cfg.MongoDB, cfg.KeyPrefix)
		if err != nil {
			return nil, err
		}
		if provision {
			if err := m.EnsureIndexes(ctx); err != nil {
				_ = m.Close(ctx)
				return nil, fmt.Errorf("indexes: %w", err)
			}
		}
		st = m
	case "redis":
		r := redisstore.New(NewRedisClient(cfg), cfg.KeyPrefix)
		if err := r.Ping(ctx); err != nil {
			_ = r.Close(ctx)
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		st = r
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	log.Info("store opened", zap.String("backend", cfg.Backend), zap.Bool("provisioned", provision))
	return notify.Observe(st, log.Named("store")), nil
}
