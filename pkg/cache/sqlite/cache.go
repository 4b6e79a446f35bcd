// Package sqlite implements the OCR result cache on a SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/pario-ai/folio/pkg/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	touchBuffer    = 1024
	touchBatchSize = 256
	migrationTable = "folio_cache_migrations"
	pragmas        = "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
)

// Cache is a key → OCR result store backed by SQLite. Hits are recorded
// asynchronously so reads never wait on a write.
type Cache struct {
	db     *sql.DB
	now    func() time.Time
	log    zerolog.Logger
	hits   atomic.Int64
	misses atomic.Int64

	touches    chan touch
	syncReq    chan chan error
	flushEvery time.Duration
	dropped    atomic.Int64
	done       chan struct{}
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

type touch struct {
	key string
	at  int64
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLogger sets the logger used for background flush failures.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Cache) { c.log = log }
}

// WithFlushInterval sets how often pending hit timestamps are written.
func WithFlushInterval(d time.Duration) Option {
	return func(c *Cache) { c.flushEvery = d }
}

// New opens (or creates) the cache database at dbPath and applies migrations.
func New(dbPath string, opts ...Option) (*Cache, error) {
	db, err := sql.Open("sqlite", dbPath+pragmas)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}

	if err := migrate(context.Background(), db); err != nil {
		db.Close()
		return nil, err
	}

	c := &Cache{
		db:         db,
		now:        time.Now,
		log:        zerolog.Nop(),
		touches:    make(chan touch, touchBuffer),
		syncReq:    make(chan chan error),
		flushEvery: time.Second,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.wg.Add(1)
	go c.touchLoop()
	return c, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("load cache migrations: %w", err)
	}
	store, err := database.NewStore(database.DialectSQLite3, migrationTable)
	if err != nil {
		return fmt.Errorf("create migration store: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectCustom, db, fsys, goose.WithStore(store))
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("migrate cache db: %w", err)
	}
	return nil
}

// Get returns the entry for key. A missing row is (zero, false, nil); any
// other failure is returned as an error and never reported as a miss.
func (c *Cache) Get(ctx context.Context, key string) (models.CacheEntry, bool, error) {
	var e models.CacheEntry
	var createdAt, lastHit int64
	err := c.db.QueryRowContext(ctx,
		`SELECT cache_key, ocr_text, input_tokens, output_tokens, document_id, page_num, created_at, last_hit_at
		 FROM ocr_cache WHERE cache_key = ?`, key,
	).Scan(&e.Key, &e.Text, &e.InputTokens, &e.OutputTokens, &e.DocumentID, &e.Page, &createdAt, &lastHit)
	if errors.Is(err, sql.ErrNoRows) {
		c.misses.Add(1)
		return models.CacheEntry{}, false, nil
	}
	if err != nil {
		return models.CacheEntry{}, false, fmt.Errorf("cache get: %w", err)
	}

	e.CreatedAt = time.UnixMilli(createdAt).UTC()
	e.LastHitAt = time.UnixMilli(lastHit).UTC()
	c.hits.Add(1)
	c.touch(key)
	return e, true, nil
}

// touch queues a last-hit update. A full queue drops the update.
func (c *Cache) touch(key string) {
	select {
	case c.touches <- touch{key: key, at: c.now().UnixMilli()}:
	default:
		c.dropped.Add(1)
	}
}

// Put upserts an entry. CreatedAt and LastHitAt are set to now.
func (c *Cache) Put(ctx context.Context, e models.CacheEntry) error {
	now := c.now().UnixMilli()
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO ocr_cache (cache_key, ocr_text, input_tokens, output_tokens, document_id, page_num, created_at, last_hit_at, hit_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)
		 ON CONFLICT(cache_key) DO UPDATE SET
			ocr_text = excluded.ocr_text,
			input_tokens = excluded.input_tokens,
			output_tokens = excluded.output_tokens,
			document_id = excluded.document_id,
			page_num = excluded.page_num,
			created_at = excluded.created_at,
			last_hit_at = excluded.last_hit_at`,
		e.Key, e.Text, e.InputTokens, e.OutputTokens, e.DocumentID, e.Page, now, now,
	)
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// PurgeOlderThan deletes entries created before now-age.
func (c *Cache) PurgeOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := c.now().Add(-age).UnixMilli()
	return c.deleteWhere(ctx, "purge expired", `DELETE FROM ocr_cache WHERE created_at < ?`, cutoff)
}

// PurgeIdle deletes entries whose last hit is before now-idle.
func (c *Cache) PurgeIdle(ctx context.Context, idle time.Duration) (int64, error) {
	cutoff := c.now().Add(-idle).UnixMilli()
	return c.deleteWhere(ctx, "purge idle", `DELETE FROM ocr_cache WHERE last_hit_at < ?`, cutoff)
}

// Clear removes every entry.
func (c *Cache) Clear(ctx context.Context) (int64, error) {
	return c.deleteWhere(ctx, "cache clear", `DELETE FROM ocr_cache`)
}

func (c *Cache) deleteWhere(ctx context.Context, op, query string, args ...any) (int64, error) {
	res, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return res.RowsAffected()
}

// Stats returns cache contents and hit/miss counters since open.
func (c *Cache) Stats(ctx context.Context) (models.CacheStats, error) {
	stats := models.CacheStats{
		Backend: "sqlite",
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}

	recent := c.now().Add(-24 * time.Hour).UnixMilli()
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN created_at > ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM((input_tokens + output_tokens) * hit_count), 0)
		 FROM ocr_cache`, recent,
	).Scan(&stats.Entries, &stats.RecentEntries, &stats.TokensSaved)
	if err != nil {
		return models.CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}

	var pageCount, pageSize int64
	if err := c.db.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pageCount); err != nil {
		return models.CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}
	if err := c.db.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSize); err != nil {
		return models.CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}
	stats.SizeBytes = pageCount * pageSize
	return stats, nil
}

// Sync blocks until every queued hit has been written.
func (c *Cache) Sync(ctx context.Context) error {
	ack := make(chan error, 1)
	select {
	case c.syncReq <- ack:
	case <-c.done:
		return errors.New("cache closed")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-ack:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes queued hits and releases the database connection.
func (c *Cache) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	c.wg.Wait()
	if n := c.dropped.Load(); n > 0 {
		c.log.Debug().Int64("dropped", n).Msg("cache hit updates dropped")
	}
	return c.db.Close()
}

func (c *Cache) touchLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.flushEvery)
	defer ticker.Stop()

	pending := make(map[string]*hitUpdate)
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		err := c.writeHits(pending)
		if err != nil {
			c.log.Warn().Err(err).Int("keys", len(pending)).Msg("cache hit flush failed")
		}
		clear(pending)
		return err
	}
	add := func(t touch) {
		u, ok := pending[t.key]
		if !ok {
			u = &hitUpdate{}
			pending[t.key] = u
		}
		u.count++
		u.at = max(u.at, t.at)
	}
	drain := func() {
		for {
			select {
			case t := <-c.touches:
				add(t)
			default:
				return
			}
		}
	}

	for {
		select {
		case t := <-c.touches:
			add(t)
			if len(pending) >= touchBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case ack := <-c.syncReq:
			drain()
			ack <- flush()
		case <-c.done:
			drain()
			flush()
			return
		}
	}
}

type hitUpdate struct {
	at    int64
	count int
}

func (c *Cache) writeHits(pending map[string]*hitUpdate) error {
	ctx := context.Background()
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin hit flush: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`UPDATE ocr_cache SET last_hit_at = MAX(last_hit_at, ?), hit_count = hit_count + ? WHERE cache_key = ?`)
	if err != nil {
		return fmt.Errorf("prepare hit flush: %w", err)
	}
	defer stmt.Close()

	for key, u := range pending {
		if _, err := stmt.ExecContext(ctx, u.at, u.count, key); err != nil {
			return fmt.Errorf("write hit: %w", err)
		}
	}
	return tx.Commit()
}
