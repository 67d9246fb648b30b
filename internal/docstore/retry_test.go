package docstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetry_RetriesOnlyVersionConflicts(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return ErrVersionConflict
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetry_HardErrorsPropagate(t *testing.T) {
	hard := errors.New("store unavailable")
	attempts := 0
	err := Retry(context.Background(), func(ctx context.Context) error {
		attempts++
		return hard
	})
	assert.ErrorIs(t, err, hard)
	assert.Equal(t, 1, attempts, "non-conflict errors must not be retried")
}

func TestRetry_BoundedByCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := Retry(ctx, func(ctx context.Context) error {
		return ErrVersionConflict
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
