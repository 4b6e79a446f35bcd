// Package cache defines the OCR result store shared by every batch and opens
// the configured backend.
package cache

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/pario-ai/folio/pkg/cache/redis"
	"github.com/pario-ai/folio/pkg/cache/sqlite"
	"github.com/pario-ai/folio/pkg/config"
	"github.com/pario-ai/folio/pkg/models"
)

// Store maps cache keys to OCR results. Implementations are safe for
// concurrent use; the unit of mutation is a single-key upsert.
type Store interface {
	// Get returns (entry, true, nil) on a hit and (zero, false, nil) on a
	// miss. Storage failures are returned as errors, never as misses. A hit
	// schedules a last-hit update without waiting for it.
	Get(ctx context.Context, key string) (models.CacheEntry, bool, error)
	// Put upserts entry, overwriting any existing value for its key.
	Put(ctx context.Context, entry models.CacheEntry) error
	// PurgeOlderThan deletes entries created more than age ago.
	PurgeOlderThan(ctx context.Context, age time.Duration) (int64, error)
	// PurgeIdle deletes entries not hit for longer than idle.
	PurgeIdle(ctx context.Context, idle time.Duration) (int64, error)
	// Clear deletes every entry.
	Clear(ctx context.Context) (int64, error)
	// Stats reports contents and hit counters.
	Stats(ctx context.Context) (models.CacheStats, error)
	// Close releases resources.
	Close() error
}

var (
	_ Store = (*sqlite.Cache)(nil)
	_ Store = (*redis.Cache)(nil)
)

// Open returns the backend selected by cfg. dbPath is used by the sqlite
// backend.
func Open(ctx context.Context, cfg config.CacheConfig, dbPath string, log zerolog.Logger) (Store, error) {
	switch cfg.Backend {
	case "", "sqlite":
		c, err := sqlite.New(dbPath, sqlite.WithLogger(log))
		if err != nil {
			return nil, err
		}
		return c, nil
	case "redis":
		c, err := redis.New(ctx, &goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, cfg.Redis.Prefix, redis.WithLogger(log))
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}
