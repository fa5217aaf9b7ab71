package poll

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUntilConverges(t *testing.T) {
	calls := 0
	result, err := Until(context.Background(), time.Millisecond, time.Second, func(context.Context) (int, bool, error) {
		calls++
		return calls * 10, calls == 3, nil
	})
	require.NoError(t, err)
	assert.True(t, result.Converged())
	assert.Equal(t, Converged, result.Outcome)
	assert.Equal(t, 30, result.Value)
	assert.Equal(t, 3, result.Attempts)
}

func TestUntilImmediate(t *testing.T) {
	result, err := Until(context.Background(), time.Hour, time.Second, func(context.Context) (string, bool, error) {
		return "ready", true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ready", result.Value)
	assert.Equal(t, 1, result.Attempts)
}

func TestUntilTimesOut(t *testing.T) {
	result, err := Until(context.Background(), 5*time.Millisecond, 30*time.Millisecond, func(context.Context) ([]string, bool, error) {
		return []string{"partial"}, false, nil
	})
	require.NoError(t, err)
	assert.Equal(t, TimedOut, result.Outcome)
	assert.False(t, result.Converged())
	assert.Nil(t, result.Value, "no partial value is surfaced on timeout")
	assert.GreaterOrEqual(t, result.Attempts, 1)
	assert.GreaterOrEqual(t, result.Elapsed, 30*time.Millisecond)
}

func TestUntilConditionError(t *testing.T) {
	boom := errors.New("inventory unavailable")
	calls := 0
	_, err := Until(context.Background(), time.Millisecond, time.Second, func(context.Context) (int, bool, error) {
		calls++
		if calls == 2 {
			return 0, false, boom
		}
		return 0, false, nil
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls)
}

func TestUntilParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Until(ctx, time.Millisecond, time.Second, func(context.Context) (int, bool, error) {
		return 0, false, nil
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "converged", Converged.String())
	assert.Equal(t, "timed out", TimedOut.String())
}
