package resources

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestUsageOf(t *testing.T) {
	tests := []struct {
		name    string
		current float64
		limit   float64
		want    Usage
	}{
		{"zero limit avoids divide by zero", 5, 0, Usage{5, 0, 0}},
		{"half usage", 50, 100, Usage{50, 100, 50}},
		{"over limit", 120, 100, Usage{120, 100, 120}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, usageOf(tt.current, tt.limit))
		})
	}
}

func TestMonitorAdmitDisabledAlwaysSucceeds(t *testing.T) {
	m := New(nil, nil, false, 10, 8, 1024, time.Second, 80)
	ok, reason := m.Admit(context.Background(), 1, 1)
	assert.True(t, ok)
	assert.Nil(t, reason)
}

func TestMonitorGetReturnsInitialSnapshot(t *testing.T) {
	m := New(nil, nil, true, 10, 8, 1024, time.Second, 80)
	snap := m.Get()
	assert.Equal(t, "initializing", snap.Status)
}
