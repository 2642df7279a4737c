package cli

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/sungwon/mail-dispatch/internal/config"
	"github.com/sungwon/mail-dispatch/internal/msgstore"
	"github.com/sungwon/mail-dispatch/internal/queue"
	"github.com/sungwon/mail-dispatch/internal/scheduler"
	"github.com/sungwon/mail-dispatch/internal/storage"
	"github.com/sungwon/mail-dispatch/migrations"
)

// openDB connects to PostgreSQL and applies pending migrations when
// database.auto_migrate is set.
func openDB(ctx context.Context, cfg storage.Config, log zerolog.Logger) (*storage.DB, error) {
	db, err := storage.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	log.Info().Msg("database connection established")

	if cfg.AutoMigrate {
		n, err := db.Migrate(ctx, migrations.FS)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		log.Info().Int("applied", n).Msg("database migrations applied")
	}
	return db, nil
}

// openRedis returns nil when no Redis address is configured.
func openRedis(ctx context.Context, cfg config.RedisConfig, log zerolog.Logger) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	log.Info().Str("addr", cfg.Addr).Msg("redis connection established")
	return client, nil
}

func openBodyStore(ctx context.Context, cfg msgstore.Config, db *storage.DB, log zerolog.Logger) (msgstore.BodyStore, error) {
	bodies, err := msgstore.New(ctx, cfg, db.Pool, log)
	if err != nil {
		return nil, fmt.Errorf("open body store: %w", err)
	}
	return bodies, nil
}

// newScheduler builds the scheduler over the record store and broker. The
// Redis lock is only used when a client is available.
func newScheduler(db *storage.DB, broker *queue.Client, rdb *redis.Client, cfg scheduler.Config, log zerolog.Logger) *scheduler.Scheduler {
	var lock scheduler.Locker
	if rdb != nil {
		lock = scheduler.NewRedisLock(rdb, cfg.LockTTL)
	}
	return scheduler.New(
		storage.NewRecordStore(db.Pool),
		broker,
		storage.NewActivityStore(db.Pool),
		lock,
		cfg,
		log,
	)
}

func closeRedis(client *redis.Client) {
	if client != nil {
		_ = client.Close()
	}
}
