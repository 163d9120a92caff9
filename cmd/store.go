package cmd

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/maxwatch/internal/config"
	"github.com/example/maxwatch/internal/db"
	"github.com/example/maxwatch/internal/migrate"
	"github.com/example/maxwatch/internal/tasks"
)

// openTaskRepo builds the task store selected by TASK_STORE. The returned
// func releases its connections.
func openTaskRepo(ctx context.Context, cfg config.Config, migrateUp bool, log *zap.Logger) (tasks.Repo, func(), error) {
	switch cfg.TaskStore {
	case config.TaskStorePostgres:
		d, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := d.Ping(ctx); err != nil {
			d.Close()
			return nil, nil, fmt.Errorf("db ping: %w", err)
		}
		if migrateUp {
			if err := migrate.Up(ctx, d.SQL()); err != nil {
				d.Close()
				return nil, nil, err
			}
		}
		log.Info("task store ready", zap.String("store", cfg.TaskStore))
		return tasks.NewPostgresRepo(d.SQL()), d.Close, nil

	case config.TaskStoreRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
		}
		log.Info("task store ready", zap.String("store", cfg.TaskStore), zap.String("addr", cfg.RedisAddr))
		return tasks.NewRedisRepo(client, ""), func() { _ = client.Close() }, nil

	default:
		log.Warn("in-memory task store: scheduled confirmations are lost on restart")
		return tasks.NewMemoryRepo(), func() {}, nil
	}
}
