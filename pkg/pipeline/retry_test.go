package pipeline

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerworks/payeeflow/pkg/capability"
)

func fastPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Base: time.Millisecond, Max: 5 * time.Millisecond}
}

func TestRetry_SucceedsAfterTransient(t *testing.T) {
	attempts := 0
	err := fastPolicy().Do(context.Background(), func(context.Context) error {
		attempts++
		if attempts == 1 {
			return capability.NewStatusError("classifier", http.StatusTooManyRequests)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestRetry_PermanentStopsImmediately(t *testing.T) {
	attempts := 0
	err := fastPolicy().Do(context.Background(), func(context.Context) error {
		attempts++
		return capability.NewStatusError("classifier", http.StatusBadRequest)
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetry_AuthStopsImmediately(t *testing.T) {
	attempts := 0
	err := fastPolicy().Do(context.Background(), func(context.Context) error {
		attempts++
		return capability.NewStatusError("predictor", http.StatusUnauthorized)
	})
	require.Error(t, err)
	assert.True(t, capability.IsAuthError(err))
	assert.Equal(t, 1, attempts)
}

func TestRetry_SkipNotRetried(t *testing.T) {
	attempts := 0
	err := fastPolicy().Do(context.Background(), func(context.Context) error {
		attempts++
		return &SkipError{Reason: "no address provided"}
	})
	var skip *SkipError
	require.ErrorAs(t, err, &skip)
	assert.Equal(t, "no address provided", skip.Reason)
	assert.Equal(t, 1, attempts)
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	attempts := 0
	boom := errors.New("connection reset")
	err := fastPolicy().Do(context.Background(), func(context.Context) error {
		attempts++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, attempts)
}

func TestRetry_ContextCancelBetweenAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := RetryPolicy{MaxAttempts: 3, Base: time.Second}.Do(ctx, func(context.Context) error {
		attempts++
		cancel()
		return capability.NewStatusError("address validator", http.StatusServiceUnavailable)
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}
