package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLimiterStore_BurstThenDeny(t *testing.T) {
	s := NewMemoryLimiterStore()
	ctx := context.Background()
	policy := RatePolicy{RPS: 0.001, Burst: 2}

	for i := 0; i < 2; i++ {
		ok, err := s.Allow(ctx, "classify", policy, 1)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := s.Allow(ctx, "classify", policy, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	// Separate keys have separate buckets.
	ok, err = s.Allow(ctx, "address", policy, 1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGate_UnconstrainedAdmitsImmediately(t *testing.T) {
	var g *Gate
	assert.NoError(t, g.Wait(context.Background()))

	g = NewGate(NewMemoryLimiterStore(), "predict", RatePolicy{})
	assert.NoError(t, g.Wait(context.Background()))
}

func TestGate_WaitsForToken(t *testing.T) {
	g := NewGate(NewMemoryLimiterStore(), "merchant", RatePolicy{RPS: 100, Burst: 1})
	ctx := context.Background()

	require.NoError(t, g.Wait(ctx))
	start := time.Now()
	require.NoError(t, g.Wait(ctx))
	assert.Greater(t, time.Since(start), 5*time.Millisecond)
}

func TestGate_CancelledContext(t *testing.T) {
	g := NewGate(NewMemoryLimiterStore(), "merchant", RatePolicy{RPS: 0.001, Burst: 1})
	ctx := context.Background()
	require.NoError(t, g.Wait(ctx))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, g.Wait(cancelled), context.Canceled)
}
