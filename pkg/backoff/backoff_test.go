package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMultiplicativeCounter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		baseInterval time.Duration
		maxInterval  time.Duration
		expected     []time.Duration
	}{
		{
			name:         "seconds",
			baseInterval: time.Second,
			maxInterval:  5 * time.Second,
			expected: []time.Duration{
				time.Second,
				2 * time.Second,
				3 * time.Second,
				4 * time.Second,
				5 * time.Second,
				5 * time.Second, // capped at max interval
			},
		},
		{
			name:         "combo",
			baseInterval: (1 * time.Minute) + (30 * time.Second),
			maxInterval:  5 * time.Minute,
			expected: []time.Duration{
				(1 * time.Minute) + (30 * time.Second),
				2 * ((1 * time.Minute) + (30 * time.Second)),
				3 * ((1 * time.Minute) + (30 * time.Second)),
				5 * time.Minute,
				5 * time.Minute,
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ec := newMultiplicativeCounter(tt.baseInterval, tt.maxInterval)
			for _, expected := range tt.expected {
				require.Equal(t, expected, ec.next())
			}
		})
	}
}

func fast(opts ...Opt) *Backoff {
	return New(append([]Opt{WithDelay(time.Millisecond, 2*time.Millisecond)}, opts...)...)
}

func TestRunRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	calls := 0
	err := fast(WithMaxAttempts(5)).Run(context.TODO(), func() error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestRunGivesUp(t *testing.T) {
	t.Parallel()

	flaky := errors.New("flaky")
	calls := 0
	err := fast(WithMaxAttempts(2)).Run(context.TODO(), func() error {
		calls++
		return flaky
	})
	require.ErrorIs(t, err, flaky)
	require.Equal(t, 2, calls)
}

func TestRunPermanent(t *testing.T) {
	t.Parallel()

	notFound := errors.New("not found")
	calls := 0
	err := fast(WithMaxAttempts(5)).Run(context.TODO(), func() error {
		calls++
		return Permanent(notFound)
	})
	require.Equal(t, notFound, err)
	require.Equal(t, 1, calls)
	require.Nil(t, Permanent(nil))
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := New(WithDelay(time.Hour, time.Hour), WithMaxAttempts(5)).Run(ctx, func() error {
		calls++
		cancel()
		return errors.New("flaky")
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}
