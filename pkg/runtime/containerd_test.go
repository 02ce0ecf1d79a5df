package runtime

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyNilIsNil(t *testing.T) {
	assert.Nil(t, classify("op", nil))
}

func TestClassifyDefaultsToFatal(t *testing.T) {
	fatal := classify("call", errors.New("boom")).(*DriverError)
	assert.Equal(t, KindFatal, fatal.Kind)
	assert.Equal(t, "call", fatal.Op)
}

func TestDriverErrorUnwrapAndMessage(t *testing.T) {
	inner := errors.New("underlying")
	de := &DriverError{Kind: KindFatal, Op: "create container", Err: inner}
	assert.Equal(t, inner, de.Unwrap())
	assert.Contains(t, de.Error(), "create container")
	assert.Contains(t, de.Error(), "underlying")
}

func TestIsNotFoundUnwrapsDriverError(t *testing.T) {
	assert.True(t, IsNotFound(&DriverError{Kind: KindNotFound, Op: "x", Err: errors.New("gone")}))
	assert.False(t, IsNotFound(&DriverError{Kind: KindFatal, Op: "x", Err: errors.New("boom")}))
	assert.False(t, IsNotFound(errors.New("plain")))
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "abc", shortID("abc"))
	assert.Equal(t, "abcdefghijkl", shortID("abcdefghijklmnopqrstuvwxyz"))
}

func TestLogPath(t *testing.T) {
	assert.Equal(t, logDir+"/container-1.log", logPath("container-1"))
}

func TestLogsMissingFileReturnsNotFound(t *testing.T) {
	d := &Driver{}
	_, err := d.Logs("nonexistent-container-id-xyz", 10, 0)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}
