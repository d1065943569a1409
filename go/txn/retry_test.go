package txn

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExpDelayGrowsAndCaps(t *testing.T) {
	var d = NewExpDelay(1 * time.Millisecond)
	var prev time.Duration
	for i := 0; i < 20; i++ {
		var next = d.Next()
		require.Greater(t, next, time.Duration(0))
		// Once capped, successive delays hover around the same magnitude
		// instead of continuing to double; allow jitter on both ends.
		if i > expBackoffCapShift+2 {
			require.InDelta(t, float64(prev), float64(next), float64(prev))
		}
		prev = next
	}
}

func TestExpDelayWithinJitterBounds(t *testing.T) {
	var d = NewExpDelay(10 * time.Millisecond)
	var first = d.Next()
	// attempt 0: base = initial << 0 = initial, jittered ±10%.
	require.GreaterOrEqual(t, first, time.Duration(float64(10*time.Millisecond)*0.9))
	require.LessOrEqual(t, first, time.Duration(float64(10*time.Millisecond)*1.1))
}

func TestRetryOpConstantDelaySleeps(t *testing.T) {
	var r = RetryOpConstantDelay{Delay: time.Millisecond, MaxRetries: 5}
	var start = time.Now()
	require.NoError(t, r.Sleep(context.Background()))
	require.GreaterOrEqual(t, time.Since(start), time.Millisecond)
}

func TestRetryOpConstantDelayHonorsCancellation(t *testing.T) {
	var r = RetryOpConstantDelay{Delay: time.Hour, MaxRetries: 1}
	var ctx, cancel = context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, r.Sleep(ctx), context.Canceled)
}

func TestRetryOpExponentialBackoffRetriesExhausted(t *testing.T) {
	var r = NewRetryOpExponentialBackoff(time.Time{})
	r.MaxRetries = 2
	require.NoError(t, r.Sleep(context.Background()))
	require.NoError(t, r.Sleep(context.Background()))
	require.ErrorIs(t, r.Sleep(context.Background()), ErrRetriesExhausted)
	require.Equal(t, 2, r.Retries())
}

func TestRetryOpExponentialBackoffDeadlineExceeded(t *testing.T) {
	var r = NewRetryOpExponentialBackoff(time.Now().Add(-time.Second))
	require.ErrorIs(t, r.Sleep(context.Background()), ErrDeadlineExceeded)
}

func TestRetryOpExponentialBackoffClipsToRemainingBudget(t *testing.T) {
	var deadline = time.Now().Add(5 * time.Millisecond)
	var r = NewRetryOpExponentialBackoff(deadline)
	r.Initial = time.Hour
	r.delay = NewExpDelay(time.Hour)

	var start = time.Now()
	var err = r.Sleep(context.Background())
	require.NoError(t, err)
	require.Less(t, time.Since(start), time.Second)
}
