// Package storage opens the ledger.Store selected by configuration.
package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pillpal/medledger/internal/domain/ledger"
	"github.com/pillpal/medledger/internal/infrastructure/memory"
	"github.com/pillpal/medledger/internal/infrastructure/postgres"
	"github.com/pillpal/medledger/internal/infrastructure/redisstore"
	"github.com/pillpal/medledger/internal/infrastructure/sqlite"
)

// Drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverRedis    = "redis"
	DriverMemory   = "memory"
)

// Config selects and locates the store
type Config struct {
	Driver      string
	DatabaseURL string
	SQLitePath  string
	RedisAddr   string
	RedisPrefix string
}

// Handle is an open store with its lifecycle
type Handle struct {
	Store ledger.Store
	// Ping checks the backing connection; nil for the memory store
	Ping  func(ctx context.Context) error
	close func()
}

// Close releases the store's connections
func (h *Handle) Close() {
	if h.close != nil {
		h.close()
	}
}

// Open connects to the configured store. Postgres schemas are migrated on
// open; SQLite applies its schema itself.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Handle, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch cfg.Driver {
	case DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		store := postgres.NewStore(pool, logger)
		if err := store.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		logger.Info("connected to postgres")
		return &Handle{Store: store, Ping: store.Ping, close: pool.Close}, nil

	case DriverSQLite:
		store, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		logger.Info("opened sqlite ledger", zap.String("path", cfg.SQLitePath))
		return &Handle{Store: store, Ping: store.Ping, close: func() { _ = store.Close() }}, nil

	case DriverRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		prefix := cfg.RedisPrefix
		if prefix == "" {
			prefix = redisstore.DefaultPrefix
		}
		store := redisstore.NewStore(client, prefix)
		if err := store.Ping(ctx); err != nil {
			client.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		logger.Info("connected to redis", zap.String("addr", cfg.RedisAddr))
		return &Handle{Store: store, Ping: store.Ping, close: func() { _ = client.Close() }}, nil

	case DriverMemory, "":
		logger.Warn("using in-memory ledger; events are lost on exit")
		return &Handle{Store: memory.New()}, nil

	default:
		return nil, fmt.Errorf("unknown ledger driver %q", cfg.Driver)
	}
}
