package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRetriesTransientStatusesWithMonotonicDelays(t *testing.T) {
	var calls int
	var stamps []time.Time

	var err = Do(context.Background(), Options{Attempts: 3, BaseDelay: 10 * time.Millisecond, Factor: 2}, func() error {
		calls++
		stamps = append(stamps, time.Now())
		switch calls {
		case 1:
			return &StatusError{Status: 429, Message: "slow down"}
		case 2:
			return &StatusError{Status: 503, Message: "unavailable"}
		default:
			return nil
		}
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)

	var first = stamps[1].Sub(stamps[0])
	var second = stamps[2].Sub(stamps[1])
	// Jitter is within [0.5, 1.5]; the second delay's floor exceeds the
	// first delay's ceiling would be too strict, so just require growth of
	// the lower bound and that both waited at all.
	require.GreaterOrEqual(t, first, 5*time.Millisecond)
	require.GreaterOrEqual(t, second, 10*time.Millisecond)
}

func TestNonRetryableErrorPropagatesImmediately(t *testing.T) {
	var calls int
	var boom = errors.New("schema validation failed")

	var err = Do(context.Background(), Options{Attempts: 5, BaseDelay: time.Millisecond}, func() error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, calls)
}

func TestNonRetryableStatusPropagates(t *testing.T) {
	var calls int
	var err = Do(context.Background(), Options{Attempts: 5, BaseDelay: time.Millisecond}, func() error {
		calls++
		return &StatusError{Status: 404, Message: "gone"}
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestExhaustedAttemptsReturnLastError(t *testing.T) {
	var calls int
	var err = Do(context.Background(), Options{Attempts: 3, BaseDelay: time.Millisecond}, func() error {
		calls++
		return &StatusError{Status: 502, Message: "bad gateway"}
	})
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, 502, statusErr.Status)
	require.Equal(t, 3, calls)
}

func TestCancellationStopsWaiting(t *testing.T) {
	var ctx, cancel = context.WithCancel(context.Background())
	cancel()

	var calls int
	var err = Do(ctx, Options{Attempts: 3, BaseDelay: time.Hour}, func() error {
		calls++
		return &StatusError{Status: 500, Message: "boom"}
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestRetryableClassification(t *testing.T) {
	require.True(t, Retryable(&StatusError{Status: 429}))
	require.True(t, Retryable(&StatusError{Status: 500}))
	require.True(t, Retryable(&StatusError{Status: 504}))
	require.False(t, Retryable(&StatusError{Status: 400}))
	require.True(t, Retryable(errors.New("read tcp: connection reset by peer")))
	require.True(t, Retryable(context.DeadlineExceeded))
	require.False(t, Retryable(errors.New("invalid credentials")))
	require.False(t, Retryable(nil))
}
