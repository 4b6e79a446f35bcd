// Package redis implements the OCR result cache on Redis. Each entry is a
// hash; two sorted sets index entries by creation and last-hit time so
// retention purges are range scans.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/pario-ai/folio/pkg/models"
)

const purgeBatch = 500

// touchScript updates hit accounting only while the entry still exists, so a
// late touch never resurrects a purged key.
var touchScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	redis.call('HSET', KEYS[1], 'last_hit_at', ARGV[1])
	redis.call('HINCRBY', KEYS[1], 'hit_count', 1)
	redis.call('ZADD', KEYS[2], 'XX', ARGV[1], ARGV[2])
end
return 0
`)

// Cache is a key → OCR result store backed by Redis.
type Cache struct {
	rdb    goredis.UniversalClient
	prefix string
	now    func() time.Time
	log    zerolog.Logger
	hits   atomic.Int64
	misses atomic.Int64

	// touches tracks in-flight hit updates so Close can wait for them.
	touches sync.WaitGroup
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLogger sets the logger used for background hit update failures.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Cache) { c.log = log }
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, opts *goredis.Options, prefix string, options ...Option) (*Cache, error) {
	rdb := goredis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return NewWithClient(rdb, prefix, options...), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(rdb goredis.UniversalClient, prefix string, options ...Option) *Cache {
	c := &Cache{rdb: rdb, prefix: prefix, now: time.Now, log: zerolog.Nop()}
	for _, opt := range options {
		opt(c)
	}
	return c
}

func (c *Cache) entryKey(key string) string { return c.prefix + "entry:" + key }
func (c *Cache) createdIndex() string      { return c.prefix + "idx:created" }
func (c *Cache) hitIndex() string          { return c.prefix + "idx:last_hit" }

// Get returns the entry for key. A missing hash is a miss; a Redis error is
// returned as an error.
func (c *Cache) Get(ctx context.Context, key string) (models.CacheEntry, bool, error) {
	fields, err := c.rdb.HGetAll(ctx, c.entryKey(key)).Result()
	if err != nil {
		return models.CacheEntry{}, false, fmt.Errorf("cache get: %w", err)
	}
	if len(fields) == 0 {
		c.misses.Add(1)
		return models.CacheEntry{}, false, nil
	}

	e, err := decode(key, fields)
	if err != nil {
		return models.CacheEntry{}, false, fmt.Errorf("cache get: %w", err)
	}
	c.hits.Add(1)

	c.touchAsync(context.WithoutCancel(ctx), key, c.now().UnixMilli())
	return e, true, nil
}

// touchAsync records a hit without making the reader wait for it.
func (c *Cache) touchAsync(ctx context.Context, key string, at int64) {
	c.touches.Add(1)
	go func() {
		defer c.touches.Done()
		c.touch(ctx, key, at)
	}()
}

func (c *Cache) touch(ctx context.Context, key string, at int64) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := touchScript.Run(ctx, c.rdb, []string{c.entryKey(key), c.hitIndex()}, at, key).Err(); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache hit update failed")
	}
}

// Put upserts an entry. CreatedAt and LastHitAt are set to now.
func (c *Cache) Put(ctx context.Context, e models.CacheEntry) error {
	now := c.now().UnixMilli()
	_, err := c.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, c.entryKey(e.Key), map[string]any{
			"ocr_text":      e.Text,
			"input_tokens":  e.InputTokens,
			"output_tokens": e.OutputTokens,
			"document_id":   e.DocumentID,
			"page_num":      e.Page,
			"created_at":    now,
			"last_hit_at":   now,
		})
		pipe.ZAdd(ctx, c.createdIndex(), goredis.Z{Score: float64(now), Member: e.Key})
		pipe.ZAdd(ctx, c.hitIndex(), goredis.Z{Score: float64(now), Member: e.Key})
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// PurgeOlderThan deletes entries created before now-age.
func (c *Cache) PurgeOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	n, err := c.purgeIndex(ctx, c.createdIndex(), c.now().Add(-age))
	if err != nil {
		return n, fmt.Errorf("purge expired: %w", err)
	}
	return n, nil
}

// PurgeIdle deletes entries whose last hit is before now-idle.
func (c *Cache) PurgeIdle(ctx context.Context, idle time.Duration) (int64, error) {
	n, err := c.purgeIndex(ctx, c.hitIndex(), c.now().Add(-idle))
	if err != nil {
		return n, fmt.Errorf("purge idle: %w", err)
	}
	return n, nil
}

// Clear removes every entry.
func (c *Cache) Clear(ctx context.Context) (int64, error) {
	n, err := c.purgeRange(ctx, c.createdIndex(), "+inf")
	if err != nil {
		return n, fmt.Errorf("cache clear: %w", err)
	}
	return n, nil
}

func (c *Cache) purgeIndex(ctx context.Context, index string, cutoff time.Time) (int64, error) {
	// Exclusive upper bound matches the strict "<" of the SQL backend.
	return c.purgeRange(ctx, index, "("+strconv.FormatInt(cutoff.UnixMilli(), 10))
}

// purgeRange deletes in batches so no single command holds the server long.
func (c *Cache) purgeRange(ctx context.Context, index, upper string) (int64, error) {
	var total int64
	for {
		keys, err := c.rdb.ZRangeByScore(ctx, index, &goredis.ZRangeBy{
			Min: "-inf", Max: upper, Count: purgeBatch,
		}).Result()
		if err != nil {
			return total, err
		}
		if len(keys) == 0 {
			return total, nil
		}

		members := make([]any, len(keys))
		entryKeys := make([]string, len(keys))
		for i, k := range keys {
			members[i] = k
			entryKeys[i] = c.entryKey(k)
		}
		var del *goredis.IntCmd
		_, err = c.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			del = pipe.Del(ctx, entryKeys...)
			pipe.ZRem(ctx, c.createdIndex(), members...)
			pipe.ZRem(ctx, c.hitIndex(), members...)
			return nil
		})
		if err != nil {
			return total, err
		}
		total += del.Val()
	}
}

// Stats returns cache contents and hit/miss counters since open. SizeBytes
// is left at zero; Redis memory is shared with other tenants.
func (c *Cache) Stats(ctx context.Context) (models.CacheStats, error) {
	stats := models.CacheStats{
		Backend: "redis",
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}

	var err error
	stats.Entries, err = c.rdb.ZCard(ctx, c.createdIndex()).Result()
	if err != nil {
		return models.CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}
	recent := strconv.FormatInt(c.now().Add(-24*time.Hour).UnixMilli(), 10)
	stats.RecentEntries, err = c.rdb.ZCount(ctx, c.createdIndex(), "("+recent, "+inf").Result()
	if err != nil {
		return models.CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}

	var cursor uint64
	for {
		keys, next, err := c.rdb.ZScan(ctx, c.createdIndex(), cursor, "", purgeBatch).Result()
		if err != nil {
			return models.CacheStats{}, fmt.Errorf("cache stats: %w", err)
		}
		// ZSCAN returns member, score pairs.
		for i := 0; i < len(keys); i += 2 {
			vals, err := c.rdb.HMGet(ctx, c.entryKey(keys[i]), "input_tokens", "output_tokens", "hit_count").Result()
			if err != nil {
				return models.CacheStats{}, fmt.Errorf("cache stats: %w", err)
			}
			stats.TokensSaved += (toInt(vals[0]) + toInt(vals[1])) * toInt(vals[2])
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return stats, nil
}

// Close waits for pending hit updates and releases the client.
func (c *Cache) Close() error {
	c.touches.Wait()
	return c.rdb.Close()
}

func decode(key string, fields map[string]string) (models.CacheEntry, error) {
	text, ok := fields["ocr_text"]
	if !ok {
		return models.CacheEntry{}, errors.New("entry " + key + " has no text")
	}
	e := models.CacheEntry{
		Key:          key,
		Text:         text,
		InputTokens:  int(toInt(fields["input_tokens"])),
		OutputTokens: int(toInt(fields["output_tokens"])),
		DocumentID:   fields["document_id"],
		Page:         int(toInt(fields["page_num"])),
		CreatedAt:    time.UnixMilli(toInt(fields["created_at"])).UTC(),
		LastHitAt:    time.UnixMilli(toInt(fields["last_hit_at"])).UTC(),
	}
	return e, nil
}

func toInt(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
