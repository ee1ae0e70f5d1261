package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("busy")
		}
		return nil
	}, Options{MaxAttempts: 5, InitialDelay: time.Millisecond})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	cause := errors.New("still busy")
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		return cause
	}, Options{MaxAttempts: 2, InitialDelay: time.Millisecond})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMaxRetries)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 2, calls)
}

func TestDo_StopsOnNonRetryable(t *testing.T) {
	fatal := errors.New("fatal")
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		return fatal
	}, Options{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		Retryable:    func(err error) bool { return !errors.Is(err, fatal) },
	})

	assert.ErrorIs(t, err, fatal)
	assert.NotErrorIs(t, err, ErrMaxRetries)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, func() error { return errors.New("nope") }, Options{MaxAttempts: 3, InitialDelay: time.Second})
	assert.ErrorIs(t, err, context.Canceled)
}
