package cache

import (
	"context"
	"fmt"
	"time"

	"pricealert/internal/config"
	"pricealert/internal/database"
	"pricealert/internal/logger"
	"pricealert/internal/store"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Backends is the threshold store plus the Redis client that carries the
// alert channel and the command limiter.
type Backends struct {
	Store store.Store
	// Client is nil when the postgres backend runs without Redis.
	Client *redis.Client
}

// OpenBackends connects the configured threshold store. With the redis
// backend Redis is required. With the postgres backend an unreachable Redis
// is logged and Client is left nil.
func OpenBackends(ctx context.Context, cfg *config.Config) (*Backends, error) {
	client, err := InitRedis(ctx, Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if cfg.StoreBackend == config.StoreRedis {
		if err != nil {
			return nil, err
		}
		return &Backends{Store: store.NewRedisStore(client), Client: client}, nil
	}

	if err != nil {
		logger.Log.Warn("Redis unavailable, alert channel and command limits disabled", zap.Error(err))
		client = nil
	}
	dbCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	st, err := database.InitDB(dbCtx, cfg.DatabaseURL)
	if err != nil {
		if client != nil {
			client.Close()
		}
		return nil, fmt.Errorf("initialize database: %w", err)
	}
	return &Backends{Store: st, Client: client}, nil
}

// Close closes the store and, when it is not the store's own, the Redis
// client.
func (b *Backends) Close() {
	_ = b.Store.Close()
	if _, shared := b.Store.(*store.RedisStore); !shared && b.Client != nil {
		_ = b.Client.Close()
	}
}
