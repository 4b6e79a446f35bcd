package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/folio/pkg/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestCache(t *testing.T) (*Cache, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	dbPath := filepath.Join(t.TempDir(), "cache_test.db")
	c, err := New(dbPath, WithClock(clock.Now), WithFlushInterval(time.Hour))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, clock
}

func entry(key, text string) models.CacheEntry {
	return models.CacheEntry{Key: key, Text: text, InputTokens: 100, OutputTokens: 40, DocumentID: "doc.pdf", Page: 1}
}

func TestPutAndGet(t *testing.T) {
	c, clock := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, entry("k1", "hello page")))

	got, ok, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello page", got.Text)
	assert.Equal(t, 100, got.InputTokens)
	assert.Equal(t, 40, got.OutputTokens)
	assert.Equal(t, "doc.pdf", got.DocumentID)
	assert.True(t, got.CreatedAt.Equal(clock.Now()))
}

func TestGetMiss(t *testing.T) {
	c, _ := newTestCache(t)

	_, ok, err := c.Get(context.Background(), "absent")
	require.NoError(t, err)
	assert.False(t, ok)

	stats, err := c.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(0), stats.Hits)
}

func TestGetStorageErrorIsNotMiss(t *testing.T) {
	c, _ := newTestCache(t)
	require.NoError(t, c.db.Close())

	_, ok, err := c.Get(context.Background(), "k1")
	assert.Error(t, err)
	assert.False(t, ok)

	stats := c.misses.Load()
	assert.Equal(t, int64(0), stats, "a failed read must not count as a miss")
}

func TestPutOverwrites(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, entry("k1", "first")))
	require.NoError(t, c.Put(ctx, entry("k1", "second")))

	got, ok, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "second", got.Text)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Entries)
}

func TestConcurrentPutSameKey(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Put(ctx, entry("shared", fmt.Sprintf("writer %d", i))))
		}()
	}
	wg.Wait()

	got, ok, err := c.Get(ctx, "shared")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, got.Text, "writer ")
}

func TestHitUpdatesLastHit(t *testing.T) {
	c, clock := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, entry("k1", "text")))
	clock.Advance(2 * time.Hour)

	_, ok, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, c.Sync(ctx))

	got, _, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, got.LastHitAt.Equal(clock.Now()), "last hit %v, want %v", got.LastHitAt, clock.Now())

	require.NoError(t, c.Sync(ctx))
	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2*140), stats.TokensSaved)
}

func TestSchemaIsSingleMigration(t *testing.T) {
	c, _ := newTestCache(t)

	var version int64
	require.NoError(t, c.db.QueryRow(`SELECT MAX(version_id) FROM `+migrationTable).Scan(&version))
	assert.Equal(t, int64(1), version)

	var hits int64
	require.NoError(t, c.Put(context.Background(), entry("k1", "text")))
	require.NoError(t, c.db.QueryRow(`SELECT hit_count FROM ocr_cache WHERE cache_key = 'k1'`).Scan(&hits))
	assert.Zero(t, hits)
}

func TestPurgeOlderThan(t *testing.T) {
	c, clock := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, entry("old", "old text")))
	clock.Advance(40 * 24 * time.Hour)
	require.NoError(t, c.Put(ctx, entry("fresh", "fresh text")))

	n, err := c.PurgeOlderThan(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, ok, err := c.Get(ctx, "old")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = c.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPurgeIdle(t *testing.T) {
	c, clock := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, entry("idle", "a")))
	require.NoError(t, c.Put(ctx, entry("busy", "b")))

	clock.Advance(10 * 24 * time.Hour)
	_, _, err := c.Get(ctx, "busy")
	require.NoError(t, err)
	require.NoError(t, c.Sync(ctx))

	n, err := c.PurgeIdle(ctx, 5*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, ok, err := c.Get(ctx, "busy")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStatsAndClear(t *testing.T) {
	c, clock := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, entry("a", "x")))
	clock.Advance(48 * time.Hour)
	require.NoError(t, c.Put(ctx, entry("b", "y")))

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", stats.Backend)
	assert.Equal(t, int64(2), stats.Entries)
	assert.Equal(t, int64(1), stats.RecentEntries)
	assert.Positive(t, stats.SizeBytes)

	n, err := c.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	stats, err = c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Entries)
}

func TestReopenKeepsEntries(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	c, err := New(dbPath)
	require.NoError(t, err)
	require.NoError(t, c.Put(ctx, entry("k", "persisted")))
	require.NoError(t, c.Close())

	c, err = New(dbPath)
	require.NoError(t, err)
	defer c.Close()

	got, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "persisted", got.Text)
}
