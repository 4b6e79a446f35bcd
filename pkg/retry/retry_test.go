package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errFlaky = errors.New("503 service unavailable")
	errBad   = errors.New("400 bad request")
)

func classify(err error) bool { return errors.Is(err, errFlaky) }

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond, Classify: classify}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	v, attempts, err := Do(context.Background(), fastPolicy(3), func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errFlaky
		}
		return "text", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "text", v)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, calls)
}

func TestDoExhausted(t *testing.T) {
	calls := 0
	_, attempts, err := Do(context.Background(), fastPolicy(4), func(context.Context) (int, error) {
		calls++
		return 0, errFlaky
	})
	require.Error(t, err)
	assert.Equal(t, 4, attempts)
	assert.Equal(t, 4, calls)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, errFlaky)

	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, 4, ex.Attempts)
}

func TestDoPermanentStopsImmediately(t *testing.T) {
	calls := 0
	_, attempts, err := Do(context.Background(), fastPolicy(5), func(context.Context) (int, error) {
		calls++
		return 0, errBad
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, errBad)
	assert.NotErrorIs(t, err, ErrExhausted)

	var perm *PermanentError
	assert.ErrorAs(t, err, &perm)
}

func TestDoSingleAttempt(t *testing.T) {
	calls := 0
	_, attempts, err := Do(context.Background(), Policy{MaxAttempts: 0}, func(context.Context) (int, error) {
		calls++
		return 0, errFlaky
	})
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
}

func TestDoCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}

	_, attempts, err := Do(ctx, p, func(context.Context) (int, error) {
		cancel()
		return 0, errFlaky
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, errFlaky)
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	p := Policy{MaxAttempts: 6, BaseDelay: 100 * time.Millisecond, MaxDelay: 500 * time.Millisecond}
	b := p.Backoff()

	want := []time.Duration{100, 200, 400, 500, 500}
	for i, w := range want {
		d, stop := b.Next()
		require.False(t, stop, "retry %d", i+1)
		assert.Equal(t, w*time.Millisecond, d, "retry %d", i+1)
	}
	_, stop := b.Next()
	assert.True(t, stop, "no retries beyond MaxAttempts-1")
}
