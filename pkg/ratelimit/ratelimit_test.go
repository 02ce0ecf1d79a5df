package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewStoresConfiguredBounds(t *testing.T) {
	l := New(nil, 3, 3600)
	assert.Equal(t, 3, l.maxPerWindow)
	assert.Equal(t, 3600, l.windowSec)
}
