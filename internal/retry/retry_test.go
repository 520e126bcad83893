package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heimdex/scenesplit/internal/failure"
)

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	var notified []int

	err := fastPolicy(3).Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return failure.New(failure.KindNetworkFailure, "reset by peer")
		}
		return nil
	}, func(attempt int, err error, wait time.Duration) {
		notified = append(notified, attempt)
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, notified)
}

func TestDo_StopsAtMaxAttempts(t *testing.T) {
	calls := 0
	err := fastPolicy(2).Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return failure.New(failure.KindTranscodeFailed, "exit 1")
	}, nil)

	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, failure.KindTranscodeFailed, failure.KindOf(err))
}

func TestDo_DoesNotRetryPermanentKinds(t *testing.T) {
	for _, kind := range []failure.Kind{failure.KindQuotaExceeded, failure.KindSourceTooLarge} {
		calls := 0
		err := fastPolicy(5).Do(context.Background(), func(ctx context.Context, attempt int) error {
			calls++
			return failure.New(kind, "nope")
		}, nil)

		require.Error(t, err)
		assert.Equal(t, 1, calls, "kind %s must not be retried", kind)
		assert.Equal(t, kind, failure.KindOf(err))
	}
}

func TestDo_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	_ = Policy{}.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return failure.New(failure.KindNetworkFailure, "down")
	}, nil)
	assert.Equal(t, 1, calls)
}

func TestDo_HonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	p := Policy{MaxAttempts: 10, InitialBackoff: time.Hour, MaxBackoff: time.Hour}
	done := make(chan error, 1)
	go func() {
		done <- p.Do(ctx, func(ctx context.Context, attempt int) error {
			calls++
			return failure.New(failure.KindNetworkFailure, "down")
		}, nil)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.Canceled))
		assert.Equal(t, 1, calls)
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}

func TestDo_CustomRetryable(t *testing.T) {
	calls := 0
	p := fastPolicy(3)
	p.Retryable = func(error) bool { return true }

	_ = p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return errors.New("anything")
	}, nil)
	assert.Equal(t, 3, calls)
}
