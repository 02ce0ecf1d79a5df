package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsTransientRecognizesConnDone(t *testing.T) {
	assert.True(t, isTransient(sql.ErrConnDone))
	assert.True(t, isTransient(context.DeadlineExceeded))
	assert.False(t, isTransient(errors.New("constraint violation")))
	assert.False(t, isTransient(nil))
}

func TestWithRetrySucceedsWithoutRetryOnFirstTry(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), 3, func() error {
		calls++
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestWithRetryStopsImmediatelyOnLogicalError(t *testing.T) {
	calls := 0
	logicalErr := errors.New("unique constraint violated")
	err := withRetry(context.Background(), 3, func() error {
		calls++
		return logicalErr
	})
	assert.Equal(t, logicalErr, err)
	assert.Equal(t, 1, calls)
}

func TestWithRetryRetriesTransientErrorsUpToAttempts(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), 3, func() error {
		calls++
		return sql.ErrConnDone
	})
	assert.Equal(t, sql.ErrConnDone, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetryRecoversAfterTransientFailures(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), 3, func() error {
		calls++
		if calls < 2 {
			return sql.ErrConnDone
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, calls)
}
