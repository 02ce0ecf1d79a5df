package janitor

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewDefaultsThreadPoolSize(t *testing.T) {
	j := New(nil, nil, nil, Config{})
	assert.Equal(t, 32, cap(j.sem))

	j = New(nil, nil, nil, Config{ThreadPoolSize: 4})
	assert.Equal(t, 4, cap(j.sem))
}

func TestWatchAndCancelWatchTrackCancelFuncs(t *testing.T) {
	j := New(nil, nil, nil, Config{ThreadPoolSize: 4})

	// Register a cancel func directly (Watch itself launches a monitor
	// goroutine that needs a real Store, so bookkeeping is exercised here
	// without spinning one up).
	called := false
	j.mu.Lock()
	j.cancelFns["c1"] = func() { called = true }
	j.mu.Unlock()

	j.CancelWatch("c1")
	assert.True(t, called)

	j.mu.Lock()
	_, exists := j.cancelFns["c1"]
	j.mu.Unlock()
	assert.False(t, exists)
}

func TestClearWatchRemovesEntry(t *testing.T) {
	j := New(nil, nil, nil, Config{})
	j.mu.Lock()
	j.cancelFns["c2"] = func() {}
	j.mu.Unlock()

	j.clearWatch("c2")

	j.mu.Lock()
	_, exists := j.cancelFns["c2"]
	j.mu.Unlock()
	assert.False(t, exists)
}

func TestStopCancelsAllAndClearsMap(t *testing.T) {
	j := New(nil, nil, nil, Config{})
	var n int
	j.mu.Lock()
	j.cancelFns["a"] = func() { n++ }
	j.cancelFns["b"] = func() { n++ }
	j.mu.Unlock()

	j.Stop()

	assert.Equal(t, 2, n)
	j.mu.Lock()
	assert.Empty(t, j.cancelFns)
	j.mu.Unlock()
}

func TestShouldAttemptReclaimTrueForUnknownContainer(t *testing.T) {
	j := New(nil, nil, nil, Config{})
	assert.True(t, j.shouldAttemptReclaim("never-failed", time.Now().Unix()))
}

func TestRecordReclaimResultClearsStateOnSuccess(t *testing.T) {
	j := New(nil, nil, nil, Config{})
	now := time.Now().Unix()
	j.recordReclaimResult("c1", now, errors.New("boom"))
	j.recordReclaimResult("c1", now, nil)

	j.mu.Lock()
	_, exists := j.failures["c1"]
	j.mu.Unlock()
	assert.False(t, exists)
}

func TestRecordReclaimResultBacksOffOnRepeatedFailure(t *testing.T) {
	j := New(nil, nil, nil, Config{})
	now := time.Now().Unix()
	err := errors.New("boom")

	j.recordReclaimResult("c1", now, err)
	assert.False(t, j.shouldAttemptReclaim("c1", now))

	j.mu.Lock()
	firstBackoff := j.failures["c1"].nextTry - now
	j.mu.Unlock()
	assert.Equal(t, int64(2), firstBackoff)

	j.recordReclaimResult("c1", now, err)
	j.mu.Lock()
	secondBackoff := j.failures["c1"].nextTry - now
	j.mu.Unlock()
	assert.Greater(t, secondBackoff, firstBackoff)

	assert.True(t, j.shouldAttemptReclaim("c1", now+secondBackoff))
}

func TestRecordReclaimResultCapsBackoff(t *testing.T) {
	j := New(nil, nil, nil, Config{})
	now := time.Now().Unix()
	err := errors.New("boom")

	for i := 0; i < 20; i++ {
		j.recordReclaimResult("c1", now, err)
	}

	j.mu.Lock()
	backoff := j.failures["c1"].nextTry - now
	j.mu.Unlock()
	assert.LessOrEqual(t, backoff, int64(maxReclaimBackoff.Seconds()))
}
