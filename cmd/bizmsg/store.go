package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"bizmsg/internal/constants"
	"bizmsg/internal/database"
	"bizmsg/internal/models"
	"bizmsg/internal/queue"
	"bizmsg/internal/retry"

	"github.com/sirupsen/logrus"
)

// redisPasswordEnv keeps the Redis password out of config files.
const redisPasswordEnv = "BIZMSG_REDIS_PASSWORD"

// openStore opens the configured key-value backend, retrying transient failures.
// The returned close func is never nil.
func openStore(ctx context.Context, cfg models.StorageConfig, logger *logrus.Logger) (queue.KeyValueStore, func() error, error) {
	noop := func() error { return nil }

	if cfg.Backend == models.StorageBackendMemory {
		logger.Warn("Using in-memory storage: queued messages will not survive a restart")
		return queue.NewMemoryStore(), noop, nil
	}

	encryptor, err := database.NewEncryptor(cfg.Encrypt)
	if err != nil {
		return nil, noop, fmt.Errorf("failed to initialize storage encryption: %w", err)
	}

	backoff := retry.NewBackoff(retry.BackoffConfig{
		InitialDelay: time.Duration(constants.DefaultRetryBackoffMs) * time.Millisecond,
		MaxDelay:     time.Duration(constants.DefaultMaxBackoffMs) * time.Millisecond,
		Multiplier:   constants.DefaultBackoffMultiplier,
		MaxAttempts:  constants.DefaultDatabaseRetryAttempts,
		Jitter:       true,
	})

	switch cfg.Backend {
	case models.StorageBackendRedis:
		store, err := database.NewRedisStore(database.RedisOptions{
			Addr:      cfg.RedisAddr,
			Password:  os.Getenv(redisPasswordEnv),
			DB:        cfg.RedisDB,
			KeyPrefix: cfg.KeyPrefix,
		}, encryptor)
		if err != nil {
			return nil, noop, err
		}

		err = backoff.Retry(ctx, func() error {
			pingErr := store.Ping(ctx)
			if pingErr != nil {
				logger.Warnf("Failed to reach Redis: %v", pingErr)
			}
			return pingErr
		})
		if err != nil {
			_ = store.Close()
			return nil, noop, fmt.Errorf("failed to connect to Redis after retries: %w", err)
		}
		logger.WithField("addr", cfg.RedisAddr).Info("Using Redis storage")
		return store, store.Close, nil

	default:
		var db *database.Database
		err = backoff.Retry(ctx, func() error {
			var initErr error
			db, initErr = database.New(cfg.Path, encryptor)
			if initErr != nil {
				logger.Warnf("Failed to initialize database: %v", initErr)
			}
			return initErr
		})
		if err != nil {
			return nil, noop, fmt.Errorf("failed to initialize database after retries: %w", err)
		}
		logger.WithField("path", cfg.Path).Info("Using SQLite storage")
		return db, db.Close, nil
	}
}
