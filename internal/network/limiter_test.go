package network

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIPLimiterConnCap(t *testing.T) {
	lim := newIPLimiter(1, 0)
	require.True(t, lim.acquireConn("1.2.3.4"))
	assert.False(t, lim.acquireConn("1.2.3.4"))
	lim.releaseConn("1.2.3.4")
	assert.True(t, lim.acquireConn("1.2.3.4"))
}

func TestIPLimiterStreamCap(t *testing.T) {
	lim := newIPLimiter(0, 2)
	require.True(t, lim.acquireStream("1.2.3.4"))
	require.True(t, lim.acquireStream("1.2.3.4"))
	assert.False(t, lim.acquireStream("1.2.3.4"))
	lim.releaseStream("1.2.3.4")
	assert.True(t, lim.acquireStream("1.2.3.4"))
}

func TestIPLimiterSeparateIPs(t *testing.T) {
	lim := newIPLimiter(1, 1)
	assert.True(t, lim.acquireConn("1.2.3.4"))
	assert.True(t, lim.acquireConn("2.3.4.5"))
	assert.True(t, lim.acquireStream("1.2.3.4"))
	assert.True(t, lim.acquireStream("2.3.4.5"))
}

func TestUnlimitedSlotsNeverBlock(t *testing.T) {
	s := newSlots(0)
	for i := 0; i < 100; i++ {
		require.True(t, s.acquire("x"))
	}
	s.release("x")
	assert.Empty(t, s.held)
}
