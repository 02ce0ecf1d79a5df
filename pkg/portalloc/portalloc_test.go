package portalloc

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsPortFreeDetectsBoundPort(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port
	assert.False(t, isPortFree(port))
}

func TestIsPortFreeDetectsFreePort(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	assert.True(t, isPortFree(port))
}

func TestNewDefaultsMaxAttempts(t *testing.T) {
	a := New(nil, 0)
	assert.Equal(t, 5, a.maxAttempts)

	a = New(nil, 3)
	assert.Equal(t, 3, a.maxAttempts)
}
