package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoFirstSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 3, time.Millisecond, 2, func(attempt int) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	var attempts []int
	err := Do(context.Background(), 3, time.Millisecond, 2, func(attempt int) error {
		attempts = append(attempts, attempt)
		if attempt < 2 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, attempts)
}

func TestDoExhaustionReturnsLastError(t *testing.T) {
	last := errors.New("still failing")
	calls := 0
	err := Do(context.Background(), 3, time.Millisecond, 2, func(attempt int) error {
		calls++
		return last
	})
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, last)
}

func TestDoPermanentStopsImmediately(t *testing.T) {
	terminal := errors.New("token exists")
	calls := 0
	err := Do(context.Background(), 3, time.Millisecond, 2, func(attempt int) error {
		calls++
		return Permanent(terminal)
	})
	assert.Equal(t, 1, calls)
	// The permanent wrapper is stripped before returning.
	assert.Equal(t, terminal, err)
}

func TestDoHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	err := Do(ctx, 3, time.Minute, 2, func(attempt int) error {
		cancel()
		return errors.New("transient")
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPermanentNil(t *testing.T) {
	assert.NoError(t, Permanent(nil))
}
