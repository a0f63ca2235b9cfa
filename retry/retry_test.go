package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(retries uint64) Policy {
	return Policy{MaxRetries: retries, InitialDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}
}

func TestDo_Success(t *testing.T) {
	attempts := 0

	err := Do(context.Background(), DefaultPolicy(), func(ctx context.Context) error {
		attempts++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestDo_RetryAndSuccess(t *testing.T) {
	attempts := 0

	err := Do(context.Background(), fastPolicy(3), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return Retryable(errors.New("temporary error"))
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDo_AllAttemptsFail(t *testing.T) {
	expectedErr := errors.New("persistent error")
	var seen []int

	err := DoWithInfo(context.Background(), fastPolicy(2), func(ctx context.Context, attempt int) error {
		seen = append(seen, attempt)
		return Retryable(expectedErr)
	})

	assert.ErrorIs(t, err, expectedErr)
	assert.Equal(t, []int{1, 2, 3}, seen)
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	attempts := 0
	permanent := errors.New("rejected")

	err := Do(context.Background(), fastPolicy(5), func(ctx context.Context) error {
		attempts++
		return permanent
	})

	assert.Same(t, permanent, err)
	assert.Equal(t, 1, attempts)
}

func TestDo_NoRetry(t *testing.T) {
	attempts := 0

	err := Do(context.Background(), NoRetry(), func(ctx context.Context) error {
		attempts++
		return Retryable(errors.New("flaky"))
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, uint64(1), NoRetry().MaxAttempts())
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0

	p := Policy{MaxRetries: 10, InitialDelay: time.Hour}
	err := Do(ctx, p, func(ctx context.Context) error {
		attempts++
		cancel()
		return Retryable(errors.New("flaky"))
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, IsContextError(err))
	assert.Equal(t, 1, attempts)
}

func TestPolicy_Validate(t *testing.T) {
	assert.NoError(t, DefaultPolicy().Validate())
	assert.Error(t, Policy{InitialDelay: -1}.Validate())
	assert.Error(t, Policy{MaxDelay: -1}.Validate())
	assert.Error(t, Policy{JitterPercent: 101}.Validate())

	err := Do(context.Background(), Policy{JitterPercent: 200}, func(ctx context.Context) error {
		t.Fatal("operation must not run with an invalid policy")
		return nil
	})
	assert.Error(t, err)
}

func TestPolicy_BackoffIsCapped(t *testing.T) {
	b := Policy{MaxRetries: 6, InitialDelay: 10 * time.Millisecond, MaxDelay: 40 * time.Millisecond}.Backoff()

	var delays []time.Duration
	for {
		d, stop := b.Next()
		if stop {
			break
		}
		delays = append(delays, d)
	}

	require.Len(t, delays, 6)
	assert.Equal(t, 10*time.Millisecond, delays[0])
	assert.Equal(t, 20*time.Millisecond, delays[1])
	for _, d := range delays {
		assert.LessOrEqual(t, d, 40*time.Millisecond)
	}
}
