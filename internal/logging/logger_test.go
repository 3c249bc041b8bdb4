package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLevels(t *testing.T) {
	t.Parallel()

	dev, err := New(Config{Development: true})
	require.NoError(t, err)
	require.True(t, dev.Core().Enabled(zapcore.DebugLevel))
	defer dev.Sync() //nolint:errcheck // best-effort flush

	prod, err := New(Config{})
	require.NoError(t, err)
	require.False(t, prod.Core().Enabled(zapcore.DebugLevel))
	require.True(t, prod.Core().Enabled(zapcore.InfoLevel))

	quiet, err := New(Config{Level: "warn"})
	require.NoError(t, err)
	require.False(t, quiet.Core().Enabled(zapcore.InfoLevel))
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Level: "chatty"})
	require.ErrorContains(t, err, "chatty")
}
