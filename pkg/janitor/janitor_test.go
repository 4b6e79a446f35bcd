package janitor

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/folio/pkg/cache/sqlite"
	"github.com/pario-ai/folio/pkg/models"
)

type fakePurger struct {
	expired, idle   int64
	expiredErr      error
	gotAge, gotIdle time.Duration
	idleCalls       int
}

func (f *fakePurger) PurgeOlderThan(_ context.Context, age time.Duration) (int64, error) {
	f.gotAge = age
	return f.expired, f.expiredErr
}

func (f *fakePurger) PurgeIdle(_ context.Context, idle time.Duration) (int64, error) {
	f.gotIdle = idle
	f.idleCalls++
	return f.idle, nil
}

func TestRunOnce(t *testing.T) {
	p := &fakePurger{expired: 4, idle: 2}
	j := New(p, 48*time.Hour, 24*time.Hour, zerolog.Nop())

	res, err := j.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Expired: 4, Idle: 2}, res)
	assert.Equal(t, 48*time.Hour, p.gotAge)
	assert.Equal(t, 24*time.Hour, p.gotIdle)
}

func TestIdleWindowNotShorterThanRetention(t *testing.T) {
	for _, idle := range []time.Duration{24 * time.Hour, 48 * time.Hour} {
		p := &fakePurger{}
		j := New(p, 24*time.Hour, idle, zerolog.Nop())
		_, err := j.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Zero(t, p.idleCalls, "idle %s", idle)
	}
}

func TestRunOnceIdleDisabled(t *testing.T) {
	p := &fakePurger{expired: 1}
	j := New(p, time.Hour, 0, zerolog.Nop())

	res, err := j.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Expired)
	assert.Zero(t, p.idleCalls)
}

func TestRunOnceError(t *testing.T) {
	p := &fakePurger{expiredErr: errors.New("database is locked")}
	j := New(p, time.Hour, time.Hour, zerolog.Nop())

	_, err := j.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")
	assert.Zero(t, p.idleCalls)
}

func TestRunOnceAgainstSQLite(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store, err := sqlite.New(filepath.Join(t.TempDir(), "cache.db"), sqlite.WithClock(clock))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Put(ctx, models.CacheEntry{Key: "old", Text: "a"}))
	now = now.Add(10 * 24 * time.Hour)
	require.NoError(t, store.Put(ctx, models.CacheEntry{Key: "new", Text: "b"}))

	j := New(store, 7*24*time.Hour, 0, zerolog.Nop())
	res, err := j.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Expired)

	_, ok, err := store.Get(ctx, "new")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIdleSweepAgainstSQLite(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store, err := sqlite.New(filepath.Join(t.TempDir(), "cache.db"), sqlite.WithClock(clock))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Put(ctx, models.CacheEntry{Key: "cold", Text: "a"}))
	require.NoError(t, store.Put(ctx, models.CacheEntry{Key: "warm", Text: "b"}))
	now = now.Add(3 * 24 * time.Hour)
	_, ok, err := store.Get(ctx, "warm")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, store.Sync(ctx))
	now = now.Add(24 * time.Hour)

	j := New(store, 30*24*time.Hour, 2*24*time.Hour, zerolog.Nop())
	res, err := j.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Expired: 0, Idle: 1}, res)

	_, ok, err = store.Get(ctx, "cold")
	require.NoError(t, err)
	assert.False(t, ok, "unhit entry past the idle window is removed")
	_, ok, err = store.Get(ctx, "warm")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStartRejectsBadSchedule(t *testing.T) {
	j := New(&fakePurger{}, time.Hour, 0, zerolog.Nop())
	assert.Error(t, j.Start(context.Background(), "not a schedule"))
}

func TestStartStop(t *testing.T) {
	j := New(&fakePurger{}, time.Hour, 0, zerolog.Nop())
	require.NoError(t, j.Start(context.Background(), "0 3 * * *"))
	assert.Error(t, j.Start(context.Background(), "0 3 * * *"), "second start must fail")
	j.Stop()
	j.Stop()
	require.NoError(t, j.Start(context.Background(), "*/5 * * * *"))
	j.Stop()
}
