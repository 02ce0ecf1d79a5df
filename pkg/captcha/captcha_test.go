package captcha

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueReturnsPNGDataURI(t *testing.T) {
	b := New(time.Minute, false)
	id, image, err := b.Issue()
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.True(t, strings.HasPrefix(image, "data:image/png;base64,"))
}

func TestVerifyCorrectAnswerSucceedsOnce(t *testing.T) {
	b := New(time.Minute, false)
	id, _, err := b.Issue()
	require.NoError(t, err)

	b.mu.Lock()
	answer := b.table[id].answer
	b.mu.Unlock()

	assert.True(t, b.Verify(id, strings.ToLower(answer)))
	// single-use: verifying again with the same id fails even with the right answer
	assert.False(t, b.Verify(id, answer))
}

func TestVerifyWrongAnswerFails(t *testing.T) {
	b := New(time.Minute, false)
	id, _, err := b.Issue()
	require.NoError(t, err)
	assert.False(t, b.Verify(id, "definitely-wrong"))
}

func TestVerifyUnknownIDFails(t *testing.T) {
	b := New(time.Minute, false)
	assert.False(t, b.Verify("nonexistent", "anything"))
}

func TestVerifyExpiredFails(t *testing.T) {
	b := New(time.Millisecond, false)
	id, _, err := b.Issue()
	require.NoError(t, err)

	b.mu.Lock()
	answer := b.table[id].answer
	b.mu.Unlock()

	time.Sleep(5 * time.Millisecond)
	assert.False(t, b.Verify(id, answer))
}

func TestBypassAlwaysSucceeds(t *testing.T) {
	b := New(time.Minute, true)
	assert.True(t, b.Verify("anything", "anything"))
}

func TestCleanExpiredRemovesStaleEntries(t *testing.T) {
	b := New(time.Millisecond, false)
	id, _, err := b.Issue()
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	b.cleanExpired()

	b.mu.Lock()
	_, ok := b.table[id]
	b.mu.Unlock()
	assert.False(t, ok)
}
