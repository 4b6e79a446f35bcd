// Package janitor runs the cache retention sweep on a cron schedule.
package janitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mileusna/crontab"
	"github.com/rs/zerolog"
)

// Purger is the subset of cache.Store the janitor needs.
type Purger interface {
	PurgeOlderThan(ctx context.Context, age time.Duration) (int64, error)
	PurgeIdle(ctx context.Context, idle time.Duration) (int64, error)
}

// Janitor deletes entries older than the retention window and entries that
// have not been hit within the idle window.
type Janitor struct {
	store     Purger
	retention time.Duration
	idle      time.Duration
	log       zerolog.Logger

	mu   sync.Mutex
	ctab *crontab.Crontab
}

// New returns a Janitor. A zero idle window disables the idle sweep, and so
// does one not shorter than retention: writes stamp the last hit, so such a
// window only matches rows the age sweep already removed.
func New(store Purger, retention, idle time.Duration, log zerolog.Logger) *Janitor {
	log = log.With().Str("component", "janitor").Logger()
	if idle > 0 && idle >= retention {
		log.Warn().Dur("idle_window", idle).Dur("retention", retention).Msg("idle window not shorter than retention, idle sweep disabled")
		idle = 0
	}
	return &Janitor{
		store:     store,
		retention: retention,
		idle:      idle,
		log:       log,
	}
}

// Result counts the entries removed by one sweep.
type Result struct {
	Expired int64
	Idle    int64
}

// RunOnce performs a single sweep.
func (j *Janitor) RunOnce(ctx context.Context) (Result, error) {
	var res Result
	n, err := j.store.PurgeOlderThan(ctx, j.retention)
	if err != nil {
		return res, fmt.Errorf("purge expired: %w", err)
	}
	res.Expired = n

	if j.idle > 0 {
		n, err = j.store.PurgeIdle(ctx, j.idle)
		if err != nil {
			return res, fmt.Errorf("purge idle: %w", err)
		}
		res.Idle = n
	}

	j.log.Info().
		Int64("expired", res.Expired).
		Int64("idle", res.Idle).
		Dur("retention", j.retention).
		Dur("idle_window", j.idle).
		Msg("cache sweep complete")
	return res, nil
}

// Start schedules RunOnce with a five-field cron expression. Sweeps run
// until ctx is done or Stop is called.
func (j *Janitor) Start(ctx context.Context, schedule string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.ctab != nil {
		return fmt.Errorf("janitor already started")
	}

	ctab := crontab.New()
	err := ctab.AddJob(schedule, func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := j.RunOnce(ctx); err != nil {
			j.log.Error().Err(err).Msg("cache sweep failed")
		}
	})
	if err != nil {
		ctab.Shutdown()
		return fmt.Errorf("schedule %q: %w", schedule, err)
	}
	j.ctab = ctab
	j.log.Info().Str("schedule", schedule).Msg("cache sweep scheduled")
	return nil
}

// Stop cancels the schedule. It is safe to call more than once.
func (j *Janitor) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.ctab == nil {
		return
	}
	j.ctab.Shutdown()
	j.ctab = nil
}
