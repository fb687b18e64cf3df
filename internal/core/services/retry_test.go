package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicy_SucceedsAfterTransientErrors(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Millisecond, Multiplier: 2, MaxAttempts: 3}

	attempts := 0
	err := p.Do(context.Background(), func(error) bool { return true }, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryPolicy_StopsOnNonRetryable(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Millisecond, Multiplier: 2, MaxAttempts: 5}
	permanent := errors.New("permanent")

	attempts := 0
	err := p.Do(context.Background(), func(e error) bool { return !errors.Is(e, permanent) }, func() error {
		attempts++
		return permanent
	})

	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, attempts)
}

func TestRetryPolicy_ExhaustsMaxAttempts(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Millisecond, Multiplier: 2, MaxAttempts: 3}

	attempts := 0
	err := p.Do(context.Background(), func(error) bool { return true }, func() error {
		attempts++
		return errors.New("always fails")
	})

	assert.Error(t, err)
	assert.Equal(t, 3, attempts)
}
