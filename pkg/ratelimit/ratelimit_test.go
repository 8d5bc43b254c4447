package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedDelayPause(t *testing.T) {
	var slept []time.Duration
	p := NewFixedDelay(500*time.Millisecond, WithSleep(func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}))

	require.NoError(t, p.Pause(context.Background()))
	require.NoError(t, p.Pause(context.Background()))
	assert.Equal(t, []time.Duration{500 * time.Millisecond, 500 * time.Millisecond}, slept)
	assert.Equal(t, 2, p.Pauses())
	assert.Equal(t, 500*time.Millisecond, p.Delay())
}

func TestFixedDelayZero(t *testing.T) {
	called := false
	p := NewFixedDelay(0, WithSleep(func(ctx context.Context, d time.Duration) error {
		called = true
		return nil
	}))
	require.NoError(t, p.Pause(context.Background()))
	assert.False(t, called)
	assert.Equal(t, 1, p.Pauses())
}

func TestSleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	err := Sleep(ctx, time.Minute)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Less(t, time.Since(start), time.Second)
}

func TestSleepElapses(t *testing.T) {
	start := time.Now()
	require.NoError(t, Sleep(context.Background(), 10*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}
