package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(attempts int) *Config {
	return &Config{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}
}

func TestWithExponentialBackoff_SucceedsAfterRetries(t *testing.T) {
	calls := 0
	result := WithExponentialBackoff(context.Background(), fastConfig(5), func(_ context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return errors.New("transient")
		}
		return nil
	})

	assert.True(t, result.Success)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, 3, calls)
	assert.NoError(t, result.LastError)
}

func TestWithExponentialBackoff_GivesUp(t *testing.T) {
	result := WithExponentialBackoff(context.Background(), fastConfig(3), func(context.Context, int) error {
		return errors.New("down")
	})

	assert.False(t, result.Success)
	assert.Equal(t, 3, result.Attempts)
	assert.EqualError(t, result.LastError, "down")
}

func TestWithExponentialBackoff_PermanentStops(t *testing.T) {
	sentinel := errors.New("gone")
	calls := 0
	result := WithExponentialBackoff(context.Background(), fastConfig(5), func(context.Context, int) error {
		calls++
		return Permanent(sentinel)
	})

	assert.False(t, result.Success)
	assert.Equal(t, 1, calls)
	assert.Same(t, sentinel, result.LastError)
}

func TestWithExponentialBackoff_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := &Config{MaxAttempts: 5, InitialDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 1}

	result := WithExponentialBackoff(ctx, cfg, func(context.Context, int) error {
		cancel()
		return errors.New("fail")
	})

	assert.Equal(t, 1, result.Attempts)
	assert.ErrorIs(t, result.LastError, context.Canceled)
}

func TestCalculateDelay(t *testing.T) {
	cfg := &Config{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}

	assert.Equal(t, 100*time.Millisecond, calculateDelay(cfg, 1))
	assert.Equal(t, 400*time.Millisecond, calculateDelay(cfg, 3))
	assert.Equal(t, time.Second, calculateDelay(cfg, 10))
}

func TestDo(t *testing.T) {
	sentinel := errors.New("not found")

	err := Do(context.Background(), fastConfig(4), func(context.Context) error {
		return Permanent(sentinel)
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel)

	attempts := 0
	err = Do(context.Background(), fastConfig(2), func(context.Context) error {
		attempts++
		return errors.New("flaky")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
	assert.Equal(t, 2, attempts)

	assert.NoError(t, Do(context.Background(), nil, func(context.Context) error { return nil }))
	assert.Nil(t, Permanent(nil))
}
