package logging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", ""} {
		l, err := New(level, "json")
		require.NoError(t, err, level)
		require.NotNil(t, l)
	}
	l, err := New("debug", "console")
	require.NoError(t, err)
	require.True(t, l.Core().Enabled(zap.DebugLevel))
}

func TestLimiterSuppressesRepeats(t *testing.T) {
	lim := NewLimiter(time.Hour)
	require.True(t, lim.Allow("a"))
	require.False(t, lim.Allow("a"))
	require.True(t, lim.Allow("b"))
	require.True(t, lim.Allow(""))
}

func TestLimiterDebug(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	log := zap.New(core)
	lim := NewLimiter(time.Hour)
	lim.Debug(log, "k", "first")
	lim.Debug(log, "k", "second")
	require.Equal(t, 1, logs.Len())
	require.Equal(t, "first", logs.All()[0].Message)
}

func TestOrNop(t *testing.T) {
	require.NotNil(t, OrNop(nil))
}
