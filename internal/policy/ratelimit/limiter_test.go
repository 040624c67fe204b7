package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_AllowPerKey(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 0.001, Burst: 2})
	require.True(t, l.Enabled())

	assert.True(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.1"))
	assert.False(t, l.Allow("10.0.0.1"))

	assert.True(t, l.Allow("10.0.0.2"))
	assert.Equal(t, 2, l.Keys())
}

func TestLimiter_DisabledNeverRejects(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	require.False(t, l.Enabled())
	for range 100 {
		require.True(t, l.Allow("client"))
	}
	require.NoError(t, l.Wait(context.Background(), "client"))
	assert.Zero(t, l.Keys())
}

func TestLimiter_NilIsDisabled(t *testing.T) {
	t.Parallel()

	var l *Limiter
	assert.False(t, l.Enabled())
	assert.True(t, l.Allow("client"))
}

func TestLimiter_WaitHonoursContext(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 0.001, Burst: 1})
	require.NoError(t, l.Wait(context.Background(), "client"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx, "client")
	require.Error(t, err)
}

func TestLimiter_WaitRefills(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 50, Burst: 1})
	start := time.Now()
	for range 3 {
		require.NoError(t, l.Wait(context.Background(), "client"))
	}
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}
