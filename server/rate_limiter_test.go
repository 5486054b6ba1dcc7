package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRateLimiterWindow(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter()
	rl.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		require.True(t, rl.Allow("register:10.0.0.1", 3, time.Minute))
	}
	require.False(t, rl.Allow("register:10.0.0.1", 3, time.Minute))
	require.True(t, rl.Allow("register:10.0.0.2", 3, time.Minute), "keys are independent")

	now = now.Add(time.Minute)
	require.True(t, rl.Allow("register:10.0.0.1", 3, time.Minute))
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := NewRateLimiter()
	for i := 0; i < 100; i++ {
		require.True(t, rl.Allow("k", 0, time.Minute))
	}
	require.Zero(t, rl.Stats().Keys)
}

func TestRateLimiterSweep(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter()
	rl.now = func() time.Time { return now }

	rl.Allow("a", 1, time.Minute)
	rl.Allow("b", 1, 2*time.Minute)
	require.Equal(t, 2, rl.Stats().Keys)

	now = now.Add(90 * time.Second)
	require.Equal(t, 1, rl.Sweep())
	require.Equal(t, 1, rl.Stats().Keys)
}
